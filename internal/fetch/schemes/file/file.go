// Package file implements the file:// update scheme from spec.md
// §4.4, grounded on original_source/src/update/schemes/file.c: the
// source is a local directory holding a "snapshot" file and a
// "packages" subdirectory of archives named after the packages they
// contain.
package file

import (
	"os"
	"path/filepath"

	"github.com/heylelos/update/internal/set"
	"github.com/heylelos/update/internal/state"
	"github.com/heylelos/update/internal/uerr"
)

const (
	snapshotFile      = "snapshot"
	packagesDirectory = "packages"
)

// Scheme is the file:// update source.
type Scheme struct {
	path string
	dir  *os.File
}

// Open opens remainder (the URI portion after "file://") as a
// directory.
func (s *Scheme) Open(remainder string) error {
	dir, err := os.Open(remainder)
	if err != nil {
		return uerr.New(uerr.SchemeError, err, "unable to open file scheme at %s", remainder)
	}
	info, err := dir.Stat()
	if err != nil {
		dir.Close()
		return uerr.New(uerr.SchemeError, err, "unable to stat file scheme at %s", remainder)
	}
	if !info.IsDir() {
		dir.Close()
		return uerr.New(uerr.SchemeError, nil, "file scheme source %s is not a directory", remainder)
	}

	s.path = remainder
	s.dir = dir
	return nil
}

// Snapshot reads the whole "snapshot" file into memory and installs
// it as the pending snapshot.
func (s *Scheme) Snapshot(st *state.State) error {
	contents, err := os.ReadFile(filepath.Join(s.path, snapshotFile))
	if err != nil {
		return uerr.New(uerr.SchemeError, err, "unable to read snapshot file at %s/%s", s.path, snapshotFile)
	}
	if len(contents) == 0 {
		return uerr.New(uerr.SchemeError, nil, "invalid empty snapshot file at %s/%s", s.path, snapshotFile)
	}
	return st.WritePending(contents)
}

// Packages opens <path>/packages/<name> for each name in newPackages
// and streams it through the prefix library's extraction.
func (s *Scheme) Packages(st *state.State, newPackages *set.StringSet) error {
	it := newPackages.Iterate()
	for {
		if st.ShouldExit() {
			return uerr.Interrupt()
		}
		element, ok := it.Next()
		if !ok {
			return nil
		}
		name := set.Name(element)

		archivePath := filepath.Join(s.path, packagesDirectory, name)
		f, err := os.Open(archivePath)
		if err != nil {
			return uerr.New(uerr.SchemeError, err, "unable to open package archive at %s", archivePath)
		}

		status, err := st.Prefix.ExtractPackage(name, f)
		f.Close()
		if err != nil {
			st.Log.With("fetch").Subject(name).Errorf("extraction failed with status %d: %v", status, err)
			return err
		}
	}
}

// Close closes the source directory handle.
func (s *Scheme) Close() error {
	if s.dir == nil {
		return nil
	}
	return s.dir.Close()
}
