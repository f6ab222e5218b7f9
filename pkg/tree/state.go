// pkg/tree/state.go
package tree

import "encoding/binary"

// TreeFlags describe how a tree is used.
type TreeFlags uint32

const (
	FlagNone TreeFlags = 0

	// FlagMultiValueSet marks a nested tree holding the members of one
	// multi-value key. Its keys are the members and its values are empty.
	FlagMultiValueSet TreeFlags = 1 << 0
)

// State is the persistent description of a tree. It is stored in the
// catalog for named trees and inline in the parent leaf for nested trees.
type State struct {
	RootPage     uint32    `cbor:"1,keyasint"`
	EntriesCount uint64    `cbor:"2,keyasint"`
	Depth        uint32    `cbor:"3,keyasint"`
	BranchPages  uint32    `cbor:"4,keyasint"`
	LeafPages    uint32    `cbor:"5,keyasint"`
	Flags        TreeFlags `cbor:"6,keyasint"`
}

// stateSize is the size of a State embedded in a leaf entry.
const stateSize = 28

func (s State) encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], s.RootPage)
	binary.LittleEndian.PutUint64(b[4:], s.EntriesCount)
	binary.LittleEndian.PutUint32(b[12:], s.Depth)
	binary.LittleEndian.PutUint32(b[16:], s.BranchPages)
	binary.LittleEndian.PutUint32(b[20:], s.LeafPages)
	binary.LittleEndian.PutUint32(b[24:], uint32(s.Flags))
}

func decodeState(b []byte) State {
	return State{
		RootPage:     binary.LittleEndian.Uint32(b[0:]),
		EntriesCount: binary.LittleEndian.Uint64(b[4:]),
		Depth:        binary.LittleEndian.Uint32(b[12:]),
		BranchPages:  binary.LittleEndian.Uint32(b[16:]),
		LeafPages:    binary.LittleEndian.Uint32(b[20:]),
		Flags:        TreeFlags(binary.LittleEndian.Uint32(b[24:])),
	}
}

// PageCount returns the number of pages owned by the tree, nested trees
// excluded.
func (s State) PageCount() uint32 {
	return s.BranchPages + s.LeafPages
}

// usableSpace is the room for offsets and entries in a tree page.
func usableSpace(pageSize int) int {
	return pageSize - nodeHeaderEnd
}

// MaxKeySize returns the largest key accepted for the page size. Any
// branch page can hold three separators of that size, so splitting a
// branch page always yields pages that fit.
func MaxKeySize(pageSize int) int {
	return usableSpace(pageSize)/3 - branchEntryOverhead
}

// branchEntryOverhead is the child pointer, a two-byte key length and the
// slot of a branch entry.
const branchEntryOverhead = 4 + 2 + slotSize
