package apply

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

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

func newOpenState(t *testing.T, currentContents string) (*state.State, string) {
	t.Helper()
	prefixDir := t.TempDir()
	snapshotsDir := t.TempDir()
	if currentContents != "" {
		writeFile(t, filepath.Join(snapshotsDir, "current"), currentContents)
	}
	s, err := state.Open(prefixDir, snapshotsDir, true, ulog.New(os.Stderr))
	require.NoError(t, err)
	return s, prefixDir
}

func writeLifecycleScript(t *testing.T, prefixDir, pkgDir, step string, exitCode int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(prefixDir, pkgDir, "hny"), 0o755))
	script := filepath.Join(prefixDir, pkgDir, "hny", step)
	contents := "#!/bin/sh\nexit " + itoa(exitCode) + "\n"
	require.NoError(t, os.WriteFile(script, []byte(contents), 0o755))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	return string(rune('0' + n))
}

func TestNewGeisterBlankInstallShiftsWithoutLifecycle(t *testing.T) {
	s, prefixDir := newOpenState(t, "")
	defer s.Close()

	require.NoError(t, os.MkdirAll(filepath.Join(prefixDir, "1.0"), 0o755))

	newGeister := set.NewPairSet()
	newGeister.Insert("libc", "1.0")
	newPackages := set.NewStringSet()
	newPackages.Insert("1.0")

	require.NoError(t, NewGeister(s, newGeister, newPackages))

	target, err := os.Readlink(filepath.Join(prefixDir, "libc"))
	require.NoError(t, err)
	assert.Equal(t, "1.0", target)
}

func TestNewGeisterUpgradeRunsCleanAndSetup(t *testing.T) {
	s, prefixDir := newOpenState(t, "libc\n1.0\n")
	defer s.Close()

	require.NoError(t, os.MkdirAll(filepath.Join(prefixDir, "1.0"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(prefixDir, "2.0"), 0o755))
	require.NoError(t, os.Symlink("1.0", filepath.Join(prefixDir, "libc")))

	writeLifecycleScript(t, prefixDir, "1.0", "clean", 0)
	writeLifecycleScript(t, prefixDir, "2.0", "setup", 0)

	newGeister := set.NewPairSet()
	newGeister.Insert("libc", "2.0")
	newPackages := set.NewStringSet()
	newPackages.Insert("2.0")

	require.NoError(t, NewGeister(s, newGeister, newPackages))

	target, err := os.Readlink(filepath.Join(prefixDir, "libc"))
	require.NoError(t, err)
	assert.Equal(t, "2.0", target)
}

func TestNewGeisterSamePackageSkipsLifecycle(t *testing.T) {
	s, prefixDir := newOpenState(t, "libc\n1.0\n")
	defer s.Close()

	require.NoError(t, os.MkdirAll(filepath.Join(prefixDir, "1.0"), 0o755))
	require.NoError(t, os.Symlink("1.0", filepath.Join(prefixDir, "libc")))

	newGeister := set.NewPairSet()
	newGeister.Insert("libc", "1.0")
	newPackages := set.NewStringSet()

	require.NoError(t, NewGeister(s, newGeister, newPackages))

	target, err := os.Readlink(filepath.Join(prefixDir, "libc"))
	require.NoError(t, err)
	assert.Equal(t, "1.0", target)
}

func TestNewGeisterStopsAtSafePointWhenInterrupted(t *testing.T) {
	s, prefixDir := newOpenState(t, "")
	defer s.Close()

	require.NoError(t, os.MkdirAll(filepath.Join(prefixDir, "1.0"), 0o755))

	newGeister := set.NewPairSet()
	newGeister.Insert("libc", "1.0")
	newPackages := set.NewStringSet()
	newPackages.Insert("1.0")

	s.RequestExit()

	err := NewGeister(s, newGeister, newPackages)
	require.Error(t, err)
	assert.True(t, uerr.Is(err, uerr.Interrupted))

	_, err = os.Lstat(filepath.Join(prefixDir, "libc"))
	assert.True(t, os.IsNotExist(err), "a geist observed past the interrupt point must never be shifted")
}

func TestCleanupRemovesOrphanDirectoryAndUnlinksOrphanSymlink(t *testing.T) {
	s, prefixDir := newOpenState(t, "libc\n1.0\n")
	defer s.Close()

	require.NoError(t, os.MkdirAll(filepath.Join(prefixDir, "1.0"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(prefixDir, "orphan-pkg"), 0o755))
	require.NoError(t, os.Symlink("1.0", filepath.Join(prefixDir, "libc")))
	require.NoError(t, os.Symlink("1.0", filepath.Join(prefixDir, "orphan-geist")))

	require.NoError(t, Cleanup(s))

	_, err := os.Stat(filepath.Join(prefixDir, "orphan-pkg"))
	assert.True(t, os.IsNotExist(err))

	_, err = os.Lstat(filepath.Join(prefixDir, "orphan-geist"))
	assert.True(t, os.IsNotExist(err))

	_, err = os.Stat(filepath.Join(prefixDir, "1.0"))
	assert.NoError(t, err)
	_, err = os.Lstat(filepath.Join(prefixDir, "libc"))
	assert.NoError(t, err)
}

func TestCleanupKeepsPackageReferencedOnlyByTarget(t *testing.T) {
	s, prefixDir := newOpenState(t, "libc\n1.0\n")
	defer s.Close()

	require.NoError(t, os.MkdirAll(filepath.Join(prefixDir, "1.0"), 0o755))
	require.NoError(t, os.Symlink("1.0", filepath.Join(prefixDir, "libc")))
	require.NoError(t, os.Symlink("1.0", filepath.Join(prefixDir, "stale-geist")))

	require.NoError(t, Cleanup(s))

	_, err := os.Stat(filepath.Join(prefixDir, "1.0"))
	assert.NoError(t, err, "removing the stale geist must not remove the package it pointed at")
}
