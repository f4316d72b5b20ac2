// Package prefixlib is a Go-native implementation of the out-of-scope
// "prefix library" interface described in spec.md §6: it owns the
// locked prefix directory and provides the install primitives
// (shift/remove/spawn/extract) the rest of the updater core treats as
// an external collaborator.
//
// The streaming extraction_create/extract/destroy triplet from
// spec.md §6 is collapsed here into a single ExtractPackage call over
// an io.Reader: Go's io package already buffers and streams without
// requiring the caller to drive a page loop, so the C-idiom
// page-at-a-time API (needed there for explicit buffer management)
// is re-expressed as one streaming call, per spec.md §9's instruction
// to reframe interfaces in the target language's idiom. The Status
// classification the original API exposes is preserved.
package prefixlib

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/heylelos/update/internal/uerr"
)

// Type classifies a name the way spec.md §6's type_of does.
type Type int

const (
	TypeOther Type = iota
	TypeGeist
	TypePackage
)

var (
	geistPattern   = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)
	packagePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.+-]*$`)
)

// containsDigit reports whether name has at least one ASCII digit,
// which in this prefix's package-naming convention marks a name as a
// versioned package (e.g. "1.0", "t1") rather than a plain geist
// identifier (e.g. "libc", "tool").
func containsDigit(name string) bool {
	return strings.IndexAny(name, "0123456789") >= 0
}

// TypeOf classifies name as a geist, a package, or neither.
func TypeOf(name string) Type {
	switch {
	case name == "":
		return TypeOther
	case packagePattern.MatchString(name) && containsDigit(name):
		return TypePackage
	case geistPattern.MatchString(name):
		return TypeGeist
	default:
		return TypeOther
	}
}

// IsGeist/IsPackage adapt TypeOf to the internal/snapshot.Classifier
// interface.
func IsGeist(name string) bool   { return TypeOf(name) == TypeGeist }
func IsPackage(name string) bool { return TypeOf(name) == TypePackage }

// Prefix is a locked handle onto the prefix directory, mirroring
// spec.md §6's opaque `struct hny *`.
type Prefix struct {
	path string
	file *os.File
}

// Open opens the prefix directory at path without locking it. Whether
// locking blocks is chosen later by Lock's blocking argument, which
// mirrors the CLI's -b flag (spec.md §6, HNY_FLAGS_BLOCK).
func Open(path string) (*Prefix, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, uerr.New(uerr.PrefixIO, err, "unable to open prefix at %s", path)
	}
	return &Prefix{path: path, file: f}, nil
}

// Path returns the prefix's absolute directory.
func (p *Prefix) Path() string {
	return p.path
}

// Lock acquires the prefix's exclusive advisory lock. If blocking is
// false and the lock is held elsewhere, Lock returns immediately with
// an error.
func (p *Prefix) Lock(blocking bool) error {
	how := unix.LOCK_EX
	if !blocking {
		how |= unix.LOCK_NB
	}
	if err := unix.Flock(int(p.file.Fd()), how); err != nil {
		return uerr.New(uerr.PrefixIO, err, "unable to lock prefix %s", p.path)
	}
	return nil
}

// Unlock releases the prefix's exclusive lock.
func (p *Prefix) Unlock() error {
	if err := unix.Flock(int(p.file.Fd()), unix.LOCK_UN); err != nil {
		return uerr.New(uerr.PrefixIO, err, "unable to unlock prefix %s", p.path)
	}
	return nil
}

// Close releases the prefix's file descriptor. Callers must Unlock
// first.
func (p *Prefix) Close() error {
	return p.file.Close()
}

// Shift atomically (re)points the geist symlink at package, creating
// it if absent. A temporary symlink is created alongside geist and
// renamed into place, since POSIX rename() is atomic and works on
// symlinks the same as regular files: Shift applied when geist
// already targets package is a no-op in effect (the rename replaces
// an identical link), satisfying the idempotence spec.md §8 requires.
func (p *Prefix) Shift(geist, pkg string) error {
	target := filepath.Join(p.path, geist)
	tmp := filepath.Join(p.path, fmt.Sprintf(".%s.shift.%d.%d", geist, os.Getpid(), time.Now().UnixNano()))

	if err := os.Symlink(pkg, tmp); err != nil {
		return uerr.New(uerr.PrefixIO, err, "unable to create temporary link for %s", geist)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return uerr.New(uerr.PrefixIO, err, "unable to shift %s to %s", geist, pkg)
	}
	return nil
}

// ReadGeist reads the package a geist symlink points at. A missing
// geist is reported as uerr.NotFound, recovered by internal/check per
// spec.md §7.
func (p *Prefix) ReadGeist(geist string) (pkg string, err error) {
	target, err := os.Readlink(filepath.Join(p.path, geist))
	if err != nil {
		if os.IsNotExist(err) {
			return "", uerr.New(uerr.NotFound, err, "geist %s not installed", geist)
		}
		return "", uerr.New(uerr.PrefixIO, err, "unable to readlink %s", geist)
	}
	return target, nil
}

// UnlinkGeist removes the symlink named geist, never touching the
// package it points at. A geist that is already absent is not an
// error.
func (p *Prefix) UnlinkGeist(geist string) error {
	if err := os.Remove(filepath.Join(p.path, geist)); err != nil && !os.IsNotExist(err) {
		return uerr.New(uerr.PrefixIO, err, "unable to unlink %s", geist)
	}
	return nil
}

// Remove recursively deletes a package directory.
func (p *Prefix) Remove(pkg string) error {
	if err := os.RemoveAll(filepath.Join(p.path, pkg)); err != nil {
		return uerr.New(uerr.PrefixIO, err, "unable to remove package %s", pkg)
	}
	return nil
}

// PackageExists reports whether a package directory exists.
func (p *Prefix) PackageExists(pkg string) bool {
	st, err := os.Stat(filepath.Join(p.path, pkg))
	return err == nil && st.IsDir()
}

// EntryType classifies a top-level prefix directory entry for
// internal/apply's cleanup scan.
type EntryType int

const (
	EntryOther EntryType = iota
	EntryDirectory
	EntrySymlink
)

// Entry is one directory entry in the prefix, as read by ReadEntries.
type Entry struct {
	Name string
	Type EntryType
}

// ReadEntries lists the prefix directory, skipping hidden
// (dot-prefixed) entries, mirroring apply_cleanup's readdir loop.
func (p *Prefix) ReadEntries() ([]Entry, error) {
	dirents, err := os.ReadDir(p.path)
	if err != nil {
		return nil, uerr.New(uerr.PrefixIO, err, "opendir %s", p.path)
	}

	entries := make([]Entry, 0, len(dirents))
	for _, d := range dirents {
		if strings.HasPrefix(d.Name(), ".") {
			continue
		}

		info, err := d.Info()
		if err != nil {
			return nil, uerr.New(uerr.PrefixIO, err, "lstat %s/%s", p.path, d.Name())
		}

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			entries = append(entries, Entry{Name: d.Name(), Type: EntrySymlink})
		case info.IsDir():
			entries = append(entries, Entry{Name: d.Name(), Type: EntryDirectory})
		default:
			entries = append(entries, Entry{Name: d.Name(), Type: EntryOther})
		}
	}
	return entries, nil
}

// Lifecycle is a spawned hny/clean or hny/setup child process, awaited
// synchronously by the caller per spec.md §4.6's "spawn discipline":
// no concurrent spawns, the parent awaits exactly this process.
type Lifecycle struct {
	step string
	name string
	cmd  *exec.Cmd
}

// Spawn launches the lifecycle script step ("hny/clean" or
// "hny/setup") found under <prefix>/<name>/<step>, where name may be a
// geist (resolved by following its symlink) or a package directory
// directly -- annul.go spawns clean by package name once a geist may
// already have been unlinked (spec.md §4.7). A package that ships no
// such script has nothing to run: Spawn starts no process and the
// returned Lifecycle's Wait reports success.
func (p *Prefix) Spawn(name, step string) (*Lifecycle, error) {
	script := filepath.Join(p.path, name, step)
	if _, err := os.Stat(script); os.IsNotExist(err) {
		return &Lifecycle{step: step, name: name}, nil
	}
	cmd := exec.Command(script, name)
	cmd.Dir = p.path
	if err := cmd.Start(); err != nil {
		return nil, uerr.New(uerr.LifecycleFailure, err, "unable to spawn %s for %s", step, name)
	}
	return &Lifecycle{step: step, name: name, cmd: cmd}, nil
}

// Wait blocks for the lifecycle script's specific PID to exit,
// classifying signal-termination and non-zero exit as
// LifecycleFailure, matching spec.md §4.6.
func (l *Lifecycle) Wait() error {
	if l.cmd == nil {
		return nil
	}
	err := l.cmd.Wait()
	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if !asExitError(err, &exitErr) {
		return uerr.New(uerr.LifecycleFailure, err, "waitpid failed at %s for %s", l.step, l.name)
	}

	if exitErr.ProcessState.Sys().(interface{ Signaled() bool }).Signaled() {
		return uerr.New(uerr.LifecycleFailure, err, "spawned %s for %s was ended with a signal", l.step, l.name)
	}

	return uerr.New(uerr.LifecycleFailure, err, "spawned %s for %s exited with code %d", l.step, l.name, exitErr.ExitCode())
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

// Status enumerates the extraction outcomes from spec.md §6.
type Status int

const (
	StatusDone Status = iota
	StatusErrDecompress
	StatusErrArchiveSemantic
	StatusErrArchiveSystem
)

// IsError reports whether status represents a failed extraction.
func (s Status) IsError() bool {
	return s != StatusDone
}

// ExtractPackage streams a gzip+tar archive from r into a fresh
// directory named pkg under the prefix, mirroring
// hny_extraction_create/extract/destroy's two-stage
// decompress-then-unarchive design (schemes/file.c's page loop),
// collapsed into one call per this package's doc comment.
func (p *Prefix) ExtractPackage(pkg string, r io.Reader) (Status, error) {
	dir := filepath.Join(p.path, pkg)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return StatusErrArchiveSystem, uerr.New(uerr.PrefixIO, err, "unable to create package directory %s", pkg)
	}

	gz, err := gzip.NewReader(r)
	if err != nil {
		return StatusErrDecompress, uerr.New(uerr.SchemeError, err, "unable to extract %s, error while uncompressing", pkg)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return StatusDone, nil
		}
		if err != nil {
			return StatusErrArchiveSemantic, uerr.New(uerr.SchemeError, err, "unable to extract %s, error while unarchiving", pkg)
		}

		target := filepath.Join(dir, filepath.Clean(hdr.Name))
		if !strings.HasPrefix(target, dir+string(os.PathSeparator)) && target != dir {
			return StatusErrArchiveSemantic, uerr.New(uerr.SchemeError, nil,
				"unable to extract %s, archive entry %q escapes package directory", pkg, hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)|0o700); err != nil {
				return StatusErrArchiveSystem, uerr.New(uerr.PrefixIO, err, "unable to extract %s, system error while unarchiving", pkg)
			}
		case tar.TypeReg:
			if err := extractRegularFile(target, hdr, tr); err != nil {
				return StatusErrArchiveSystem, uerr.New(uerr.PrefixIO, err, "unable to extract %s, system error while unarchiving", pkg)
			}
		case tar.TypeSymlink:
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return StatusErrArchiveSystem, uerr.New(uerr.PrefixIO, err, "unable to extract %s, system error while unarchiving", pkg)
			}
		default:
			// Unsupported entry types (devices, fifos, ...) are
			// skipped rather than treated as fatal: packages in this
			// prefix are plain files/dirs/symlinks.
		}
	}
}

func extractRegularFile(target string, hdr *tar.Header, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)|0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, r)
	return err
}
