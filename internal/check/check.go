// Package check implements the crash-recovery predicates from
// spec.md §4.5, used by internal/driver to classify a prior run that
// did not reach quiescence.
package check

import (
	"github.com/heylelos/update/internal/prefixlib"
	"github.com/heylelos/update/internal/set"
	"github.com/heylelos/update/internal/uerr"
)

// Pending reports whether state's pending set is empty, i.e. no
// recovery is needed.
func Pending(pending *set.PairSet) bool {
	return pending.IsEmpty()
}

// NewGeister reports whether at least one pair (g, p) in newGeister
// corresponds to a symlink at <prefix>/g whose target equals p. A
// missing geist (ENOENT) is not an error, just evidence that pair was
// not yet shifted; any other I/O error is fatal, since it means the
// prefix itself cannot be trusted.
func NewGeister(prefix *prefixlib.Prefix, newGeister *set.PairSet) (bool, error) {
	it := newGeister.Iterate()
	for {
		element, ok := it.Next()
		if !ok {
			return false, nil
		}
		geist, pkg := set.Pair(element)

		target, err := prefix.ReadGeist(geist)
		if err != nil {
			if uerr.Is(err, uerr.NotFound) {
				continue
			}
			return false, err
		}
		if target == pkg {
			return true, nil
		}
	}
}
