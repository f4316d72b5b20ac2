// Package state implements the crash-safe update state machine from
// spec.md §4.3: the reconciliation decision performed at construction
// (which of current/pending exists, and whether pending is a
// leftover-empty artifact) and the diff that drives apply/annul.
package state

import (
	"bytes"
	"os"
	"path/filepath"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/heylelos/update/internal/prefixlib"
	"github.com/heylelos/update/internal/set"
	"github.com/heylelos/update/internal/snapshot"
	"github.com/heylelos/update/internal/uerr"
	"github.com/heylelos/update/internal/ulog"
)

const (
	currentName = "current"
	pendingName = "pending"
)

// typeClassifier adapts prefixlib's name syntax to
// internal/snapshot.Classifier.
type typeClassifier struct{}

func (typeClassifier) IsGeist(name string) bool   { return prefixlib.IsGeist(name) }
func (typeClassifier) IsPackage(name string) bool { return prefixlib.IsPackage(name) }

// State holds the locked prefix, the snapshots directory, and the
// three in-memory sets (current, pending, packages) spec.md §4.3
// describes.
type State struct {
	Prefix *prefixlib.Prefix
	Log    *ulog.Logger

	snapshotsPath string
	snapshotsDir  *os.File

	Current  *set.PairSet
	Pending  *set.PairSet
	Packages *set.StringSet

	shouldExit atomic.Bool
}

// Open constructs a State: opens and locks the prefix, opens the
// snapshots directory, and performs the reconciliation decision from
// spec.md §4.3's table.
func Open(prefixPath, snapshotsPath string, blocking bool, log *ulog.Logger) (*State, error) {
	prefix, err := prefixlib.Open(prefixPath)
	if err != nil {
		return nil, err
	}
	if err := prefix.Lock(blocking); err != nil {
		prefix.Close()
		return nil, err
	}

	snapshotsDir, err := os.Open(snapshotsPath)
	if err != nil {
		prefix.Unlock()
		prefix.Close()
		return nil, uerr.New(uerr.PrefixIO, err, "unable to open snapshots directory %s", snapshotsPath)
	}

	s := &State{
		Prefix:        prefix,
		Log:           log,
		snapshotsPath: snapshotsPath,
		snapshotsDir:  snapshotsDir,
		Current:       set.NewPairSet(),
		Pending:       set.NewPairSet(),
		Packages:      set.NewStringSet(),
	}

	if err := s.reconcile(); err != nil {
		s.Close()
		return nil, err
	}

	return s, nil
}

func (s *State) path(name string) string {
	return filepath.Join(s.snapshotsPath, name)
}

func (s *State) statSnapshot(name string) (exists bool, size int64, err error) {
	info, err := os.Stat(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, 0, nil
		}
		return false, 0, uerr.New(uerr.PrefixIO, err, "unable to stat %s", name)
	}
	return true, info.Size(), nil
}

// reconcile implements spec.md §4.3's five-row decision table over
// (has_current, has_pending).
func (s *State) reconcile() error {
	hasCurrent, _, err := s.statSnapshot(currentName)
	if err != nil {
		return err
	}
	hasPending, pendingSize, err := s.statSnapshot(pendingName)
	if err != nil {
		return err
	}

	switch {
	case hasCurrent && !hasPending:
		return s.parseCurrent()
	case hasCurrent && hasPending && pendingSize > 0:
		if err := s.parseCurrent(); err != nil {
			return err
		}
		return s.parsePending()
	case hasCurrent && hasPending && pendingSize == 0:
		if err := s.unlinkPending(); err != nil {
			return err
		}
		return s.parseCurrent()
	case !hasCurrent && hasPending:
		if err := s.renamePendingToCurrent(); err != nil {
			return err
		}
		return s.parseCurrent()
	default:
		return nil
	}
}

func (s *State) parseCurrent() error {
	pairs, err := s.parseSnapshotFile(currentName)
	if err != nil {
		return err
	}
	s.Current = pairs

	packages := set.NewStringSet()
	it := pairs.Iterate()
	for {
		element, ok := it.Next()
		if !ok {
			break
		}
		_, pkg := set.Pair(element)
		packages.Insert(pkg)
	}
	s.Packages = packages
	return nil
}

func (s *State) parsePending() error {
	pairs, err := s.parseSnapshotFile(pendingName)
	if err != nil {
		return err
	}
	s.Pending = pairs
	return nil
}

func (s *State) parseSnapshotFile(name string) (*set.PairSet, error) {
	f, err := os.Open(s.path(name))
	if err != nil {
		return nil, uerr.New(uerr.PrefixIO, err, "unable to open %s", name)
	}
	defer f.Close()

	pairs, err := snapshot.Parse(f, typeClassifier{})
	if err != nil {
		return nil, err
	}
	return pairs, nil
}

func (s *State) unlinkPending() error {
	if err := unix.Unlinkat(int(s.snapshotsDir.Fd()), pendingName, 0); err != nil {
		return uerr.New(uerr.PrefixIO, err, "unable to unlink empty pending snapshot")
	}
	return nil
}

func (s *State) renamePendingToCurrent() error {
	dirfd := int(s.snapshotsDir.Fd())
	if err := unix.Renameat(dirfd, pendingName, dirfd, currentName); err != nil {
		return uerr.New(uerr.PrefixIO, err, "unable to rename pending to current")
	}
	return nil
}

// ApplyPending is spec.md §4.6's apply_pending: it commits the pending
// snapshot as current and rebuilds the in-memory sets.
func (s *State) ApplyPending() error {
	dirfd := int(s.snapshotsDir.Fd())
	if err := unix.Unlinkat(dirfd, currentName, 0); err != nil && !os.IsNotExist(err) {
		return uerr.New(uerr.PrefixIO, err, "unable to unlink current before promoting pending")
	}
	if err := s.renamePendingToCurrent(); err != nil {
		return err
	}
	s.Pending.Empty()
	return s.parseCurrent()
}

// AnnulPending is spec.md §4.7's annul_pending: it discards the
// pending snapshot, leaving current untouched.
func (s *State) AnnulPending() error {
	if err := s.unlinkPending(); err != nil {
		return err
	}
	s.Pending.Empty()
	return nil
}

// WritePending atomically installs a freshly fetched snapshot as
// pending, via a temporary file renamed into place under the
// snapshots directory handle.
func (s *State) WritePending(contents []byte) error {
	tmpName := ".pending.tmp"
	tmpPath := s.path(tmpName)

	if err := os.WriteFile(tmpPath, contents, 0o644); err != nil {
		return uerr.New(uerr.PrefixIO, err, "unable to write temporary pending snapshot")
	}

	dirfd := int(s.snapshotsDir.Fd())
	if err := unix.Renameat(dirfd, tmpName, dirfd, pendingName); err != nil {
		os.Remove(tmpPath)
		return uerr.New(uerr.PrefixIO, err, "unable to install pending snapshot")
	}

	pairs, err := snapshot.Parse(bytes.NewReader(contents), typeClassifier{})
	if err != nil {
		return err
	}
	s.Pending = pairs
	return nil
}

// Diff is spec.md §4.3's state_diff: it reflects pending into
// newGeister (every pair pending declares) and newPackages (packages
// pending names that packages does not already hold).
func (s *State) Diff() (newGeister *set.PairSet, newPackages *set.StringSet) {
	newGeister = set.NewPairSet()
	newPackages = set.NewStringSet()

	it := s.Pending.Iterate()
	for {
		element, ok := it.Next()
		if !ok {
			break
		}
		geist, pkg := set.Pair(element)
		newGeister.Insert(geist, pkg)
		if !s.Packages.Find(pkg) {
			newPackages.Insert(pkg)
		}
	}
	return newGeister, newPackages
}

// RequestExit sets the one-shot termination flag polled at the top of
// every long loop (apply/annul iterations, cleanup's readdir loop,
// a fetch scheme's package loop), per spec.md §5's cancellation model.
func (s *State) RequestExit() {
	s.shouldExit.Store(true)
}

// ShouldExit reports whether termination has been requested.
func (s *State) ShouldExit() bool {
	return s.shouldExit.Load()
}

// Close releases the prefix lock and closes open file descriptors.
func (s *State) Close() error {
	var firstErr error
	if err := s.Prefix.Unlock(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.Prefix.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.snapshotsDir.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
