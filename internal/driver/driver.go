// Package driver orchestrates one run of the updater, reproducing
// main.c's update_consistency/update_perform sequence from spec.md
// §4.8 over the internal/check, internal/apply, internal/annul, and
// internal/fetch packages.
package driver

import (
	"github.com/heylelos/update/internal/annul"
	"github.com/heylelos/update/internal/apply"
	"github.com/heylelos/update/internal/check"
	"github.com/heylelos/update/internal/fetch"
	"github.com/heylelos/update/internal/state"
	"github.com/heylelos/update/internal/uerr"
	"github.com/heylelos/update/internal/ulog"
)

// Driver runs the consistency check and, optionally, a fetch+apply
// pass against a single State.
type Driver struct {
	State  *state.State
	Facade *fetch.Facade
}

// New builds a Driver over an already-opened state and scheme facade.
func New(s *state.State, facade *fetch.Facade) *Driver {
	return &Driver{State: s, Facade: facade}
}

// stopOnInterrupt recognizes a long loop's uerr.Interrupt() sentinel
// and turns it into a clean, non-mutating stop: a logged return to
// the caller with a nil error, so the process still exits 0 per
// spec.md §7, but without running whatever mutating step the caller
// would otherwise run next (ApplyPending, AnnulPending, a further
// fetch/apply phase). Any other error is returned unchanged.
func stopOnInterrupt(log *ulog.Logger, err error) error {
	if uerr.Is(err, uerr.Interrupted) {
		log.Infof("terminated at a safe point, exiting without further mutation")
		return nil
	}
	return err
}

// Consistency is spec.md §4.8's update_consistency: it recovers from
// any prior run that left a pending snapshot uncommitted, by either
// completing or reverting it, then always sweeps the prefix for
// orphaned entries.
//
// The intentional oddity, preserved here as in the original: annul
// runs before the decision to re-apply. Annulling a pair (g, p) whose
// geist pre-existed shifts g back to its previous package, reversing
// any half-done forward shifts; the subsequent apply can then safely
// redo them, since shift is idempotent when the current target
// already matches.
func (d *Driver) Consistency() error {
	log := d.State.Log.With("driver")
	log.Infof("consistency check for prefix at %s", d.State.Prefix.Path())

	if !check.Pending(d.State.Pending) {
		log.Infof("found previous pending snapshot, trying recovery")

		newGeister, newPackages := d.State.Diff()

		allFetched, err := check.NewGeister(d.State.Prefix, newGeister)
		if err != nil {
			return err
		}

		if err := annul.NewGeister(d.State, newGeister, newPackages); err != nil {
			return stopOnInterrupt(log, err)
		}

		if allFetched {
			log.Infof("all packages were fetched, applying previous pending snapshot")
			if err := apply.NewGeister(d.State, newGeister, newPackages); err != nil {
				return stopOnInterrupt(log, err)
			}
			if err := d.State.ApplyPending(); err != nil {
				return err
			}
		} else {
			log.Infof("not all packages were fetched, reverting pending snapshot")
			if err := d.State.AnnulPending(); err != nil {
				return err
			}
		}
	}

	if err := apply.Cleanup(d.State); err != nil {
		return stopOnInterrupt(log, err)
	}

	log.Infof("finished consistency check")
	return nil
}

// Perform is spec.md §4.8's update_perform: it fetches a new
// snapshot and the packages it introduces, then applies it.
func (d *Driver) Perform(uri string) error {
	log := d.State.Log.With("driver")
	log.Infof("fetching update from %s", uri)

	if err := d.Facade.Open(uri); err != nil {
		return err
	}
	if err := d.Facade.Snapshot(d.State); err != nil {
		d.Facade.Close()
		return err
	}

	newGeister, newPackages := d.State.Diff()

	if err := d.Facade.Packages(d.State, newPackages); err != nil {
		d.Facade.Close()
		return stopOnInterrupt(log, err)
	}
	if err := d.Facade.Close(); err != nil {
		return err
	}

	log.Infof("fetch sequence finished, applying modifications")

	if err := apply.NewGeister(d.State, newGeister, newPackages); err != nil {
		return stopOnInterrupt(log, err)
	}
	if err := d.State.ApplyPending(); err != nil {
		return err
	}
	if err := apply.Cleanup(d.State); err != nil {
		return stopOnInterrupt(log, err)
	}

	log.Infof("finished performing update")
	return nil
}
