// Package annul implements the backward-direction reconciliation from
// spec.md §4.7: undoing a partially applied update by restoring each
// pre-existing geist to its previous package and unlinking brand-new
// geister. annul_pending itself lives on state.State.
package annul

import (
	"github.com/heylelos/update/internal/set"
	"github.com/heylelos/update/internal/state"
	"github.com/heylelos/update/internal/uerr"
)

// NewGeister is spec.md §4.7's annul_new_geister. For each pair
// (g, pNew) in newGeister: if pNew was newly fetched and its package
// directory exists, clean pNew by package name (the geist may
// already have been unlinked by a partially completed apply, so the
// lifecycle script is targeted at the package directly); then, if g
// pre-existed in current, shift it back to its previous package and
// run setup if pNew was newly fetched; otherwise g is a brand-new
// geist and is simply unlinked, its package left alone for cleanup to
// judge. The loop polls state.ShouldExit at the top of every
// iteration and returns uerr.Interrupt() rather than nil when it
// fires, so a cut-short pass is never mistaken for a completed one.
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
		geist, pNew := set.Pair(element)
		isNewPackage := newPackages.Find(pNew)

		if isNewPackage && s.Prefix.PackageExists(pNew) {
			lc, err := s.Prefix.Spawn(pNew, "hny/clean")
			if err != nil {
				return err
			}
			if err := lc.Wait(); err != nil {
				return err
			}
		}

		if pOld, preExisted := s.Current.Find(geist); preExisted {
			if err := s.Prefix.Shift(geist, pOld); err != nil {
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
		} else {
			if err := s.Prefix.UnlinkGeist(geist); err != nil {
				return err
			}
		}
	}
}
