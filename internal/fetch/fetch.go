// Package fetch implements the scheme facade from spec.md §4.4: a
// single-shot, stateless dispatcher that resolves a URI's authority
// prefix to a registered scheme once, at open, then forwards
// snapshot/packages/close to it.
package fetch

import (
	"strings"

	"github.com/heylelos/update/internal/set"
	"github.com/heylelos/update/internal/state"
	"github.com/heylelos/update/internal/uerr"
)

// Scheme is the contract every update scheme implements (file,
// https, ...), mirroring spec.md §4.4's four scheme operations.
type Scheme interface {
	// Open resolves the scheme-specific remainder of the URI (the part
	// after "scheme://") into whatever handle the scheme needs.
	Open(remainder string) error
	// Snapshot fetches and installs the pending snapshot via
	// state.WritePending.
	Snapshot(s *state.State) error
	// Packages fetches and extracts each name in newPackages into the
	// prefix.
	Packages(s *state.State, newPackages *set.StringSet) error
	// Close releases any resources Open acquired.
	Close() error
}

// Facade holds the table of registered schemes and the one selected
// at Open, per spec.md §4.4: "the facade itself is stateless beyond
// the selected scheme pointer; the core assumes a single-shot update
// per process."
type Facade struct {
	registry map[string]func() Scheme
	active   Scheme
}

// NewFacade builds a facade with the given scheme constructors keyed
// by URI authority (case-insensitive).
func NewFacade(registry map[string]func() Scheme) *Facade {
	return &Facade{registry: registry}
}

// Open splits uri on "://", looks the authority up in the registry
// exactly once, and opens the resulting scheme.
func (f *Facade) Open(uri string) error {
	authority, remainder, ok := strings.Cut(uri, "://")
	if !ok {
		return uerr.New(uerr.SchemeError, nil, "malformed update URI %q, missing scheme separator", uri)
	}

	ctor, ok := f.registry[strings.ToLower(authority)]
	if !ok {
		return uerr.New(uerr.SchemeError, nil, "unknown update scheme %q", authority)
	}

	scheme := ctor()
	if err := scheme.Open(remainder); err != nil {
		return err
	}
	f.active = scheme
	return nil
}

// Snapshot forwards to the open scheme.
func (f *Facade) Snapshot(s *state.State) error {
	return f.active.Snapshot(s)
}

// Packages forwards to the open scheme.
func (f *Facade) Packages(s *state.State, newPackages *set.StringSet) error {
	return f.active.Packages(s, newPackages)
}

// Close forwards to the open scheme.
func (f *Facade) Close() error {
	return f.active.Close()
}
