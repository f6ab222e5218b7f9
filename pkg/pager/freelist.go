// pkg/pager/freelist.go
package pager

import (
	"encoding/binary"
	"sort"
)

// FreelistTrunkPage represents a trunk page of the persisted freelist.
// The freelist is written as a linked list of trunk pages when the
// environment shuts down cleanly; each trunk lists free page numbers.
//
// Trunk body format (after the common page header):
//
//	Offset 0: 4-byte page number of next trunk (0 if last trunk)
//	Offset 4: 4-byte count of leaf pages in this trunk
//	Offset 8: Array of 4-byte leaf page numbers
//
// This design follows SQLite's freelist structure.
type FreelistTrunkPage struct {
	// NextTrunk is the page number of the next trunk page, or 0 if this is the last
	NextTrunk uint32

	// LeafPages contains the page numbers of free pages
	LeafPages []uint32
}

// MaxLeavesPerTrunk returns the maximum number of leaf pages that can fit
// in a trunk page of the given size.
func MaxLeavesPerTrunk(pageSize int) int {
	return (pageSize - PageHeaderSize - 8) / 4
}

// Encode writes the trunk into body (a page body) in big-endian format.
func (t *FreelistTrunkPage) Encode(body []byte) {
	binary.BigEndian.PutUint32(body[0:4], t.NextTrunk)
	binary.BigEndian.PutUint32(body[4:8], uint32(len(t.LeafPages)))
	for i, leaf := range t.LeafPages {
		offset := 8 + i*4
		binary.BigEndian.PutUint32(body[offset:offset+4], leaf)
	}
}

// DecodeFreelistTrunkPage decodes a trunk from a page body. It returns
// false when the declared leaf count does not fit in body.
func DecodeFreelistTrunkPage(body []byte) (*FreelistTrunkPage, bool) {
	if len(body) < 8 {
		return nil, false
	}
	nextTrunk := binary.BigEndian.Uint32(body[0:4])
	leafCount := int(binary.BigEndian.Uint32(body[4:8]))
	if leafCount > (len(body)-8)/4 {
		return nil, false
	}

	leaves := make([]uint32, leafCount)
	for i := 0; i < leafCount; i++ {
		offset := 8 + i*4
		leaves[i] = binary.BigEndian.Uint32(body[offset : offset+4])
	}

	return &FreelistTrunkPage{
		NextTrunk: nextTrunk,
		LeafPages: leaves,
	}, true
}

// Freelist tracks pages that may be handed out again.
//
// Allocation is LIFO to favour recently touched pages. Only pages that no
// snapshot can reach belong here; pages freed by a commit wait in the
// pager's retired list until older readers are gone.
type Freelist struct {
	pages []uint32
	free  map[uint32]struct{}
}

// NewFreelist creates a new empty freelist.
func NewFreelist() *Freelist {
	return &Freelist{free: make(map[uint32]struct{})}
}

// Count returns the number of free pages.
func (f *Freelist) Count() int {
	return len(f.pages)
}

// Contains reports whether pageNo is currently free.
func (f *Freelist) Contains(pageNo uint32) bool {
	_, ok := f.free[pageNo]
	return ok
}

// Allocate removes and returns a free page.
// Returns (0, false) if the freelist is empty.
func (f *Freelist) Allocate() (uint32, bool) {
	if len(f.pages) == 0 {
		return 0, false
	}
	last := f.pages[len(f.pages)-1]
	f.pages = f.pages[:len(f.pages)-1]
	delete(f.free, last)
	return last, true
}

// Free adds a page to the freelist. Freeing a page twice is ignored and
// reported by the false return.
func (f *Freelist) Free(pageNo uint32) bool {
	if _, ok := f.free[pageNo]; ok {
		return false
	}
	f.free[pageNo] = struct{}{}
	f.pages = append(f.pages, pageNo)
	return true
}

// Pages returns the free page numbers in ascending order.
func (f *Freelist) Pages() []uint32 {
	pages := append([]uint32(nil), f.pages...)
	sort.Slice(pages, func(i, j int) bool { return pages[i] < pages[j] })
	return pages
}

// PageRun represents a contiguous run of free pages.
type PageRun struct {
	Start  uint32 // First page in the run
	Length int    // Number of contiguous pages
}

// ContiguousRuns returns the contiguous runs of free pages.
func (f *Freelist) ContiguousRuns() []PageRun {
	pages := f.Pages()
	if len(pages) == 0 {
		return nil
	}

	var runs []PageRun
	current := PageRun{Start: pages[0], Length: 1}
	for i := 1; i < len(pages); i++ {
		if pages[i] == pages[i-1]+1 {
			current.Length++
			continue
		}
		runs = append(runs, current)
		current = PageRun{Start: pages[i], Length: 1}
	}
	return append(runs, current)
}

// Defragment reorders the stack so the lowest page numbers are handed out
// first, which keeps the file dense after a reopen.
func (f *Freelist) Defragment() {
	sort.Slice(f.pages, func(i, j int) bool { return f.pages[i] > f.pages[j] })
}

// trunkPlacement pairs a trunk with the page it is written to.
type trunkPlacement struct {
	pageNo uint32
	trunk  *FreelistTrunkPage
}

// splitForPersistence picks trunk pages out of the free pages themselves
// and distributes the remaining pages over them. The trunk pages become
// free again when the list is loaded.
func (f *Freelist) splitForPersistence(pageSize int) []trunkPlacement {
	pages := f.Pages()
	if len(pages) == 0 {
		return nil
	}
	perTrunk := MaxLeavesPerTrunk(pageSize)

	trunkCount := 1
	for trunkCount*perTrunk < len(pages)-trunkCount {
		trunkCount++
	}

	trunkNos := pages[:trunkCount]
	leaves := pages[trunkCount:]

	placements := make([]trunkPlacement, trunkCount)
	for i := range placements {
		end := perTrunk
		if end > len(leaves) {
			end = len(leaves)
		}
		trunk := &FreelistTrunkPage{LeafPages: leaves[:end]}
		leaves = leaves[end:]
		if i+1 < trunkCount {
			trunk.NextTrunk = trunkNos[i+1]
		}
		placements[i] = trunkPlacement{pageNo: trunkNos[i], trunk: trunk}
	}
	return placements
}
