// pkg/slice/slice.go
// Package slice provides the ordered byte key used throughout the engine.
//
// A Slice is either a real key (any byte string, compared lexicographically)
// or one of the two sentinels BeforeAllKeys and AfterAllKeys which bound an
// iteration without special-casing a missing bound.
package slice

import (
	"bytes"
	"fmt"
)

type kind uint8

const (
	kindKey kind = iota
	kindBeforeAll
	kindAfterAll
)

// Slice is an immutable ordered byte sequence. The zero value is the empty key.
type Slice struct {
	data []byte
	kind kind
}

var (
	// BeforeAllKeys compares less than every real key.
	BeforeAllKeys = Slice{kind: kindBeforeAll}

	// AfterAllKeys compares greater than every real key.
	AfterAllKeys = Slice{kind: kindAfterAll}

	// Empty is the zero-length real key.
	Empty = Slice{}
)

// FromBytes returns a Slice holding a private copy of b.
func FromBytes(b []byte) Slice {
	return Slice{data: bytes.Clone(b)}
}

// Wrap returns a Slice aliasing b. The caller must not modify b afterwards.
func Wrap(b []byte) Slice {
	return Slice{data: b}
}

// FromString returns a Slice holding the bytes of s.
func FromString(s string) Slice {
	return Slice{data: []byte(s)}
}

// IsSentinel reports whether s is BeforeAllKeys or AfterAllKeys.
func (s Slice) IsSentinel() bool {
	return s.kind != kindKey
}

// IsBeforeAllKeys reports whether s is the BeforeAllKeys sentinel.
func (s Slice) IsBeforeAllKeys() bool { return s.kind == kindBeforeAll }

// IsAfterAllKeys reports whether s is the AfterAllKeys sentinel.
func (s Slice) IsAfterAllKeys() bool { return s.kind == kindAfterAll }

// Bytes returns the key bytes. Sentinels have no bytes. The result must not
// be modified.
func (s Slice) Bytes() []byte {
	return s.data
}

// Len returns the key length in bytes.
func (s Slice) Len() int {
	return len(s.data)
}

// Clone returns a Slice that does not share memory with s.
func (s Slice) Clone() Slice {
	if s.kind != kindKey {
		return s
	}
	return Slice{data: bytes.Clone(s.data)}
}

// Compare returns -1, 0 or +1 comparing s with other.
func (s Slice) Compare(other Slice) int {
	switch {
	case s.kind == other.kind && s.kind != kindKey:
		return 0
	case s.kind == kindBeforeAll || other.kind == kindAfterAll:
		return -1
	case s.kind == kindAfterAll || other.kind == kindBeforeAll:
		return 1
	}
	return bytes.Compare(s.data, other.data)
}

// CompareBytes compares s with a real key stored as raw bytes.
func (s Slice) CompareBytes(key []byte) int {
	switch s.kind {
	case kindBeforeAll:
		return -1
	case kindAfterAll:
		return 1
	}
	return bytes.Compare(s.data, key)
}

// Equal reports whether s and other denote the same key.
func (s Slice) Equal(other Slice) bool {
	return s.Compare(other) == 0
}

// HasPrefix reports whether the key starts with prefix. Sentinels have no prefix.
func (s Slice) HasPrefix(prefix Slice) bool {
	if s.kind != kindKey || prefix.kind != kindKey {
		return false
	}
	return bytes.HasPrefix(s.data, prefix.data)
}

// String returns the key as a string, or a marker for sentinels.
func (s Slice) String() string {
	switch s.kind {
	case kindBeforeAll:
		return "<before-all-keys>"
	case kindAfterAll:
		return "<after-all-keys>"
	}
	return string(s.data)
}

// Format implements fmt.Formatter so %x prints the raw bytes.
func (s Slice) Format(f fmt.State, verb rune) {
	switch verb {
	case 'x', 'X':
		fmt.Fprintf(f, "%"+string(verb), s.data)
	case 'q':
		fmt.Fprintf(f, "%q", s.String())
	default:
		fmt.Fprint(f, s.String())
	}
}
