// Package apply implements the forward-direction reconciliation from
// spec.md §4.6: shifting geister onto their new packages, running the
// clean/setup lifecycle around that shift, and the post-run cleanup
// scan. apply_pending itself lives on state.State (it is pure
// snapshot bookkeeping); this package covers the two steps that touch
// the prefix.
package apply

import (
	"github.com/heylelos/update/internal/prefixlib"
	"github.com/heylelos/update/internal/set"
	"github.com/heylelos/update/internal/state"
	"github.com/heylelos/update/internal/uerr"
)

// NewGeister is spec.md §4.6's apply_new_geister: for each pair
// (g, p) in newGeister, clean the previous binding (if g pre-existed
// and p is newly fetched), shift g to p, then setup the new binding
// (if p is newly fetched). The loop polls state.ShouldExit at the top
// of every iteration, the only safe point mid-loop, returning
// uerr.Interrupt() rather than nil so the caller can tell a cut-short
// loop apart from one that ran to completion.
func NewGeister(s *state.State, newGeister *set.PairSet, newPackages *set.StringSet) error {
	it := newGeister.Iterate()
	for {
		if s.ShouldExit() {
			return uerr.Interrupt()
		}
		element, ok := it.Next()
		if !ok {
			return nil
		}
		geist, pkg := set.Pair(element)

		_, preExisted := s.Current.Find(geist)
		isNewPackage := newPackages.Find(pkg)

		if isNewPackage && preExisted {
			lc, err := s.Prefix.Spawn(geist, "hny/clean")
			if err != nil {
				return err
			}
			if err := lc.Wait(); err != nil {
				return err
			}
		}

		if err := s.Prefix.Shift(geist, pkg); err != nil {
			return err
		}

		if isNewPackage {
			lc, err := s.Prefix.Spawn(geist, "hny/setup")
			if err != nil {
				return err
			}
			if err := lc.Wait(); err != nil {
				return err
			}
		}
	}
}

// Cleanup is spec.md §4.6's apply_cleanup: it scans the prefix
// directory and removes any package directory not referenced by
// packages and any geist symlink not present in current. Package
// targets of a removed symlink are never touched: they may still be a
// valid, referenced package.
func Cleanup(s *state.State) error {
	entries, err := s.Prefix.ReadEntries()
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if s.ShouldExit() {
			return uerr.Interrupt()
		}

		switch entry.Type {
		case prefixlib.EntryDirectory:
			if !s.Packages.Find(entry.Name) {
				if err := s.Prefix.Remove(entry.Name); err != nil {
					return err
				}
			}
		case prefixlib.EntrySymlink:
			if _, ok := s.Current.Find(entry.Name); !ok {
				if err := s.Prefix.UnlinkGeist(entry.Name); err != nil {
					return err
				}
			}
		default:
			s.Log.With("apply").Subject(entry.Name).Warningf("skipping prefix entry of unknown type")
		}
	}
	return nil
}
