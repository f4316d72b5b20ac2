package annul

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heylelos/update/internal/set"
	"github.com/heylelos/update/internal/state"
	"github.com/heylelos/update/internal/uerr"
	"github.com/heylelos/update/internal/ulog"
)

func newOpenState(t *testing.T, currentContents string) (*state.State, string) {
	t.Helper()
	prefixDir := t.TempDir()
	snapshotsDir := t.TempDir()
	if currentContents != "" {
		require.NoError(t, os.WriteFile(filepath.Join(snapshotsDir, "current"), []byte(currentContents), 0o644))
	}
	s, err := state.Open(prefixDir, snapshotsDir, true, ulog.New(os.Stderr))
	require.NoError(t, err)
	return s, prefixDir
}

func TestNewGeisterRestoresPreExistingGeist(t *testing.T) {
	s, prefixDir := newOpenState(t, "libc\n1.0\n")
	defer s.Close()

	require.NoError(t, os.MkdirAll(filepath.Join(prefixDir, "1.0"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(prefixDir, "2.0"), 0o755))
	// a partially-completed apply already shifted libc forward
	require.NoError(t, os.Symlink("2.0", filepath.Join(prefixDir, "libc")))

	newGeister := set.NewPairSet()
	newGeister.Insert("libc", "2.0")
	newPackages := set.NewStringSet()
	newPackages.Insert("2.0")

	require.NoError(t, NewGeister(s, newGeister, newPackages))

	target, err := os.Readlink(filepath.Join(prefixDir, "libc"))
	require.NoError(t, err)
	assert.Equal(t, "1.0", target)
}

func TestNewGeisterUnlinksBrandNewGeistWithoutRemovingPackage(t *testing.T) {
	s, prefixDir := newOpenState(t, "")
	defer s.Close()

	require.NoError(t, os.MkdirAll(filepath.Join(prefixDir, "t1"), 0o755))
	require.NoError(t, os.Symlink("t1", filepath.Join(prefixDir, "tool")))

	newGeister := set.NewPairSet()
	newGeister.Insert("tool", "t1")
	newPackages := set.NewStringSet()
	newPackages.Insert("t1")

	require.NoError(t, NewGeister(s, newGeister, newPackages))

	_, err := os.Lstat(filepath.Join(prefixDir, "tool"))
	assert.True(t, os.IsNotExist(err))

	_, err = os.Stat(filepath.Join(prefixDir, "t1"))
	assert.NoError(t, err, "annul must never remove the package behind a brand-new geist")
}

func TestNewGeisterStopsAtSafePointWhenInterrupted(t *testing.T) {
	s, prefixDir := newOpenState(t, "libc\n1.0\n")
	defer s.Close()

	require.NoError(t, os.MkdirAll(filepath.Join(prefixDir, "1.0"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(prefixDir, "2.0"), 0o755))
	require.NoError(t, os.Symlink("2.0", filepath.Join(prefixDir, "libc")))

	newGeister := set.NewPairSet()
	newGeister.Insert("libc", "2.0")
	newPackages := set.NewStringSet()
	newPackages.Insert("2.0")

	s.RequestExit()

	err := NewGeister(s, newGeister, newPackages)
	require.Error(t, err)
	assert.True(t, uerr.Is(err, uerr.Interrupted))

	target, err := os.Readlink(filepath.Join(prefixDir, "libc"))
	require.NoError(t, err)
	assert.Equal(t, "2.0", target, "a pair observed past the interrupt point must never be reverted")
}

func TestNewGeisterCleansNewPackageByNameWhenGeistAlreadyGone(t *testing.T) {
	s, prefixDir := newOpenState(t, "")
	defer s.Close()

	require.NoError(t, os.MkdirAll(filepath.Join(prefixDir, "t1", "hny"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(prefixDir, "t1", "hny", "clean"), []byte("#!/bin/sh\nexit 0\n"), 0o755))
	// no symlink present: partial apply had not reached the shift step

	newGeister := set.NewPairSet()
	newGeister.Insert("tool", "t1")
	newPackages := set.NewStringSet()
	newPackages.Insert("t1")

	require.NoError(t, NewGeister(s, newGeister, newPackages))

	_, err := os.Lstat(filepath.Join(prefixDir, "tool"))
	assert.True(t, os.IsNotExist(err))
}
