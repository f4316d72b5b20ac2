package prefixlib

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heylelos/update/internal/uerr"
)

func TestTypeOfClassifiesGeistAndPackage(t *testing.T) {
	assert.Equal(t, TypeGeist, TypeOf("libc"))
	assert.Equal(t, TypeGeist, TypeOf("tool"))
	assert.Equal(t, TypePackage, TypeOf("1.0"))
	assert.Equal(t, TypePackage, TypeOf("t1"))
	assert.Equal(t, TypeOther, TypeOf(""))
}

func TestOpenLockUnlock(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(dir)
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Lock(true))
	require.NoError(t, p.Unlock())
}

func TestShiftCreatesAndReplacesSymlink(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(dir)
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Shift("libc", "1.0"))
	pkg, err := p.ReadGeist("libc")
	require.NoError(t, err)
	assert.Equal(t, "1.0", pkg)

	require.NoError(t, p.Shift("libc", "2.0"))
	pkg, err = p.ReadGeist("libc")
	require.NoError(t, err)
	assert.Equal(t, "2.0", pkg)
}

func TestReadGeistMissingIsNotFound(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(dir)
	require.NoError(t, err)
	defer p.Close()

	_, err = p.ReadGeist("absent")
	require.Error(t, err)
	assert.True(t, uerr.Is(err, uerr.NotFound))
}

func TestRemoveAndPackageExists(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(dir)
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "1.0"), 0o755))
	assert.True(t, p.PackageExists("1.0"))

	require.NoError(t, p.Remove("1.0"))
	assert.False(t, p.PackageExists("1.0"))
}

func TestReadEntriesSkipsHidden(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(dir)
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "1.0"), 0o755))
	require.NoError(t, os.Symlink("1.0", filepath.Join(dir, "libc")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".lock"), nil, 0o644))

	entries, err := p.ReadEntries()
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byName := map[string]EntryType{}
	for _, e := range entries {
		byName[e.Name] = e.Type
	}
	assert.Equal(t, EntryDirectory, byName["1.0"])
	assert.Equal(t, EntrySymlink, byName["libc"])
}

func TestExtractPackageWritesFilesAndDirectories(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(dir)
	require.NoError(t, err)
	defer p.Close()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	content := []byte("hello")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "bin/tool", Typeflag: tar.TypeReg, Mode: 0o755, Size: int64(len(content))}))
	_, err = tw.Write(content)
	require.NoError(t, err)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "lib", Typeflag: tar.TypeDir, Mode: 0o755}))
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	status, err := p.ExtractPackage("1.0", &buf)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, status)
	assert.False(t, status.IsError())

	got, err := os.ReadFile(filepath.Join(dir, "1.0", "bin", "tool"))
	require.NoError(t, err)
	assert.Equal(t, content, got)

	info, err := os.Stat(filepath.Join(dir, "1.0", "lib"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestExtractPackageRejectsPathEscape(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(dir)
	require.NoError(t, err)
	defer p.Close()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "../../etc/passwd", Typeflag: tar.TypeReg, Mode: 0o644, Size: 0}))
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	status, err := p.ExtractPackage("1.0", &buf)
	require.Error(t, err)
	assert.True(t, status.IsError())
}

func TestExtractPackageRejectsGarbageAsDecompressError(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(dir)
	require.NoError(t, err)
	defer p.Close()

	status, err := p.ExtractPackage("1.0", bytes.NewReader([]byte("not a gzip stream")))
	require.Error(t, err)
	assert.Equal(t, StatusErrDecompress, status)
}

func TestSpawnAndWaitSuccess(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(dir)
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "libc", "hny"), 0o755))
	script := filepath.Join(dir, "libc", "hny", "clean")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nexit 0\n"), 0o755))

	lc, err := p.Spawn("libc", "hny/clean")
	require.NoError(t, err)
	require.NoError(t, lc.Wait())
}

func TestSpawnAndWaitFailure(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(dir)
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "libc", "hny"), 0o755))
	script := filepath.Join(dir, "libc", "hny", "clean")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nexit 1\n"), 0o755))

	lc, err := p.Spawn("libc", "hny/clean")
	require.NoError(t, err)
	require.Error(t, lc.Wait())
}
