// Package snapshot implements the textual snapshot codec from
// spec.md §4.2: a sequence of (geist, package) line-pairs, parsed by a
// small state machine, and emitted back in a set's iteration order.
package snapshot

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"golang.org/x/text/unicode/norm"

	"github.com/heylelos/update/internal/set"
	"github.com/heylelos/update/internal/uerr"
)

// NormalizeName applies Unicode NFC normalization to a geist or
// package name, mirroring backend/local/local.go's
// unicode_normalization option: some filesystems and prefix libraries
// hand back decomposed (NFD) names, which would otherwise compare
// unequal to the composed form used elsewhere.
func NormalizeName(name string) string {
	return norm.NFC.String(name)
}

// Classifier tells the parser whether a line names a geist or a
// package, delegating to the prefix library's type oracle
// (spec.md §6's type_of).
type Classifier interface {
	IsGeist(name string) bool
	IsPackage(name string) bool
}

// parseState is the BEGIN/EXPECT_PACKAGE/NEXT_GEIST machine from
// spec.md §4.2.
type parseState int

const (
	stateBegin parseState = iota
	stateExpectPackage
	stateNextGeist
)

// Parse reads r line by line and builds a pair-set, reproducing the
// original's parse_snapshot exactly: duplicate geister, embedded NUL
// bytes, a PACKAGE line before any GEIST, two GEIST lines in a row,
// and EOF while a package is expected are all fatal InvalidSnapshot
// errors. A missing trailing LF on the final line is not an error.
func Parse(r io.Reader, classifier Classifier) (*set.PairSet, error) {
	pairs := set.NewPairSet()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)

	state := stateBegin
	var geist string
	lineno := 0

	for scanner.Scan() {
		lineno++

		if bytes.IndexByte(scanner.Bytes(), 0) >= 0 {
			return nil, uerr.New(uerr.InvalidSnapshot, nil,
				"snapshot contains a zero byte at line %d", lineno)
		}

		line := NormalizeName(scanner.Text())

		isGeist := classifier.IsGeist(line)
		isPackage := classifier.IsPackage(line)

		switch state {
		case stateBegin, stateNextGeist:
			if !isGeist {
				return nil, uerr.New(uerr.InvalidSnapshot, nil,
					"snapshot does not have a geist at line %d", lineno)
			}
			if _, found := pairs.Find(line); found {
				return nil, uerr.New(uerr.InvalidSnapshot, nil,
					"snapshot has redundant geist %q at line %d", line, lineno)
			}
			geist = line
			state = stateExpectPackage
		case stateExpectPackage:
			if !isPackage {
				return nil, uerr.New(uerr.InvalidSnapshot, nil,
					"snapshot does not have a package at line %d", lineno)
			}
			pairs.Insert(geist, line)
			state = stateNextGeist
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, uerr.New(uerr.PrefixIO, err, "unable to read snapshot line")
	}

	if state == stateExpectPackage {
		return nil, uerr.New(uerr.InvalidSnapshot, nil,
			"snapshot ends while expecting a package for geist %q", geist)
	}

	return pairs, nil
}

// Emit writes pairs to w as alternating geist/package lines separated
// by LF, in the set's iteration order; Parse is its left inverse.
func Emit(w io.Writer, pairs *set.PairSet) error {
	bw := bufio.NewWriter(w)
	it := pairs.Iterate()
	for {
		element, ok := it.Next()
		if !ok {
			break
		}
		geist, pkg := set.Pair(element)
		if _, err := fmt.Fprintf(bw, "%s\n%s\n", geist, pkg); err != nil {
			return uerr.New(uerr.PrefixIO, err, "unable to write snapshot")
		}
	}
	return bw.Flush()
}
