// Package set implements the content-addressed append-only containers
// used to hold snapshot entries: a set of package names (string-set)
// and a set of (geist, package) pairs keyed by geist (pair-set).
//
// Both are backed by one contiguous byte buffer of null-terminated
// elements, appended on insert and shifted down on remove, mirroring
// the original C set.c/set.h design rather than a hash table: the
// elements are small strings, and linear scan over a contiguous buffer
// keeps memory locality that a hash table of individually allocated
// strings would lose.
package set

import (
	"bytes"

	"github.com/cespare/xxhash/v2"
)

const defaultCapacity = 1024

// class distinguishes how an element is compared and sized once it is
// read back out of the buffer: string-set compares/sizes the whole
// null-terminated run, pair-set compares/sizes by the geist prefix but
// its size must account for both embedded strings.
type class struct {
	size    func(b []byte) int
	compare func(encoded, key []byte) bool
}

func sizeString(b []byte) int {
	i := bytes.IndexByte(b, 0)
	return i + 1
}

func sizePair(b []byte) int {
	keySize := sizeString(b)
	return keySize + sizeString(b[keySize:])
}

var stringClass = class{
	size: sizeString,
	compare: func(encoded, key []byte) bool {
		return bytes.Equal(trim(encoded), key)
	},
}

var pairClass = class{
	size: sizePair,
	compare: func(encoded, key []byte) bool {
		keySize := sizeString(encoded)
		return bytes.Equal(encoded[:keySize-1], key)
	},
}

func trim(encoded []byte) []byte {
	i := bytes.IndexByte(encoded, 0)
	if i < 0 {
		return encoded
	}
	return encoded[:i]
}

// Set is the shared append/shift/scan machinery for StringSet and
// PairSet. It is not exported directly: callers use the two concrete
// classes below, which borrow this type by embedding.
type set struct {
	class    class
	elements []byte
}

func (s *set) isEmpty() bool {
	return len(s.elements) == 0
}

func (s *set) empty() {
	s.elements = s.elements[:0]
}

// find returns the encoded element and true if an element whose key
// (the whole string for string-set, the geist for pair-set) equals
// key is present.
func (s *set) find(key []byte) ([]byte, bool) {
	for rest := s.elements; len(rest) > 0; {
		n := s.class.size(rest)
		if s.class.compare(rest[:n], key) {
			return rest[:n], true
		}
		rest = rest[n:]
	}
	return nil, false
}

// insert appends encoded if no element with the same key is already
// present. Returns whether it was inserted.
func (s *set) insert(key []byte, encoded []byte) bool {
	if _, ok := s.find(key); ok {
		return false
	}
	if s.elements == nil {
		s.elements = make([]byte, 0, defaultCapacity)
	}
	s.elements = append(s.elements, encoded...)
	return true
}

// remove locates the element keyed by key and shifts the remainder of
// the buffer down to fill the gap. Returns whether it was removed.
func (s *set) remove(key []byte) bool {
	rest := s.elements
	offset := 0
	for len(rest) > 0 {
		n := s.class.size(rest)
		if s.class.compare(rest[:n], key) {
			copy(s.elements[offset:], s.elements[offset+n:])
			s.elements = s.elements[:len(s.elements)-n]
			return true
		}
		offset += n
		rest = rest[n:]
	}
	return false
}

// Iterator yields each element of a set with its encoded size, in
// insertion order, mirroring the original set_iterator.
type Iterator struct {
	class class
	left  []byte
}

// Next returns the next encoded element, or ok=false when the
// iteration is exhausted.
func (it *Iterator) Next() (element []byte, ok bool) {
	if len(it.left) == 0 {
		return nil, false
	}
	n := it.class.size(it.left)
	element = it.left[:n]
	it.left = it.left[n:]
	return element, true
}

// StringSet holds null-terminated package (or geist) names.
type StringSet struct {
	set
	hashes map[uint64]int
}

// NewStringSet returns an empty string-set.
func NewStringSet() *StringSet {
	return &StringSet{set: set{class: stringClass}}
}

// Insert adds name to the set if absent. Returns whether it was
// inserted.
func (s *StringSet) Insert(name string) bool {
	if s.Find(name) {
		return false
	}
	encoded := encodeString(name)
	s.set.insert([]byte(name), encoded)
	s.addHash(name)
	return true
}

// Remove deletes name from the set. Returns whether it was removed.
func (s *StringSet) Remove(name string) bool {
	if s.set.remove([]byte(name)) {
		s.dropHash(name)
		return true
	}
	return false
}

// Find reports whether name is present.
func (s *StringSet) Find(name string) bool {
	if s.hashes != nil {
		if s.hashes[hashKey(name)] == 0 {
			return false
		}
	}
	_, ok := s.set.find([]byte(name))
	return ok
}

// IsEmpty reports whether the set holds no elements.
func (s *StringSet) IsEmpty() bool {
	return s.set.isEmpty()
}

// Empty resets the set in O(1), without releasing its backing buffer.
func (s *StringSet) Empty() {
	s.set.empty()
	s.hashes = nil
}

// Iterate returns an iterator over the set's elements in insertion
// order.
func (s *StringSet) Iterate() *Iterator {
	return &Iterator{class: stringClass, left: s.set.elements}
}

// addHash/dropHash maintain a reference count per hash bucket rather
// than a plain membership set, since two distinct keys may collide on
// their xxhash value: Find must not report a false miss for a key
// whose hash bucket is still occupied by a different, colliding key.
func (s *StringSet) addHash(name string) {
	if s.hashes == nil {
		s.hashes = make(map[uint64]int, defaultCapacity/16)
	}
	s.hashes[hashKey(name)]++
}

func (s *StringSet) dropHash(name string) {
	if s.hashes == nil {
		return
	}
	h := hashKey(name)
	if s.hashes[h] <= 1 {
		delete(s.hashes, h)
	} else {
		s.hashes[h]--
	}
}

// PairSet holds (geist, package) pairs keyed by geist.
type PairSet struct {
	set
}

// NewPairSet returns an empty pair-set.
func NewPairSet() *PairSet {
	return &PairSet{set: set{class: pairClass}}
}

// Insert adds the pair (geist, pkg) if no pair with the same geist is
// already present. Returns whether it was inserted.
func (s *PairSet) Insert(geist, pkg string) bool {
	encoded := encodePair(geist, pkg)
	return s.set.insert([]byte(geist), encoded)
}

// Remove deletes the pair keyed by geist. Returns whether it was
// removed.
func (s *PairSet) Remove(geist string) bool {
	return s.set.remove([]byte(geist))
}

// Find returns the package bound to geist, if present.
func (s *PairSet) Find(geist string) (pkg string, ok bool) {
	encoded, ok := s.set.find([]byte(geist))
	if !ok {
		return "", false
	}
	keySize := sizeString(encoded)
	return string(trim(encoded[keySize:])), true
}

// IsEmpty reports whether the set holds no elements.
func (s *PairSet) IsEmpty() bool {
	return s.set.isEmpty()
}

// Empty resets the set in O(1), without releasing its backing buffer.
func (s *PairSet) Empty() {
	s.set.empty()
}

// Iterate returns an iterator over the set's pairs in insertion order.
func (s *PairSet) Iterate() *Iterator {
	return &Iterator{class: pairClass, left: s.set.elements}
}

// Name decodes an iterator element previously returned by a
// StringSet's Iterate into its string.
func Name(element []byte) string {
	return string(trim(element))
}

// Pair decodes an iterator element previously returned by a PairSet's
// Iterate into its geist and package strings.
func Pair(element []byte) (geist, pkg string) {
	keySize := sizeString(element)
	return string(trim(element[:keySize])), string(trim(element[keySize:]))
}

func encodeString(name string) []byte {
	b := make([]byte, len(name)+1)
	copy(b, name)
	return b
}

func encodePair(geist, pkg string) []byte {
	b := make([]byte, len(geist)+1+len(pkg)+1)
	n := copy(b, geist)
	b[n] = 0
	copy(b[n+1:], pkg)
	return b
}

func hashKey(s string) uint64 {
	return xxhash.Sum64String(s)
}
