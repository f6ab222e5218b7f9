// pkg/tree/node.go
package tree

import (
	"bytes"
	"encoding/binary"

	"voron/internal/encoding"
	"voron/pkg/pager"
)

/*
Tree page layout (after the common page header):

	16-18:  entry count
	18-20:  lower: end of the offset array
	20-22:  upper: start of entry content
	22-24:  reserved
	24-...: 2-byte entry offsets, in key order
	...     free space
	upper-: entries, growing down from the end of the page

Branch entry: child page number (4) | key length (varint) | key
Leaf entry:   payload kind (1) | key length (varint) | key | payload

Entry 0 of a branch page has an empty key standing for "before all keys".
*/
const (
	offCount      = pager.PageHeaderSize
	offLower      = pager.PageHeaderSize + 2
	offUpper      = pager.PageHeaderSize + 4
	nodeHeaderEnd = pager.PageHeaderSize + 8
	slotSize      = 2
)

// node is a view of a tree page.
type node struct {
	page *pager.Page
}

func initNode(page *pager.Page, t pager.PageType) node {
	page.SetType(t)
	n := node{page: page}
	n.setCount(0)
	n.setLower(nodeHeaderEnd)
	n.setUpper(len(page.Data()))
	return n
}

func (n node) data() []byte {
	return n.page.Data()
}

func (n node) pageNo() uint32 {
	return n.page.PageNo()
}

func (n node) isLeaf() bool {
	return n.page.Type() == pager.PageTypeLeaf
}

func (n node) count() int {
	return int(binary.LittleEndian.Uint16(n.data()[offCount:]))
}

func (n node) setCount(c int) {
	binary.LittleEndian.PutUint16(n.data()[offCount:], uint16(c))
}

func (n node) lower() int {
	return int(binary.LittleEndian.Uint16(n.data()[offLower:]))
}

func (n node) setLower(v int) {
	binary.LittleEndian.PutUint16(n.data()[offLower:], uint16(v))
}

func (n node) upper() int {
	return int(binary.LittleEndian.Uint16(n.data()[offUpper:]))
}

func (n node) setUpper(v int) {
	binary.LittleEndian.PutUint16(n.data()[offUpper:], uint16(v))
}

func (n node) usable() int {
	return usableSpace(len(n.data()))
}

// freeSpace is the contiguous gap between the offsets and the entries.
func (n node) freeSpace() int {
	return n.upper() - n.lower()
}

func (n node) offset(i int) int {
	return int(binary.LittleEndian.Uint16(n.data()[nodeHeaderEnd+i*slotSize:]))
}

func (n node) setOffset(i, off int) {
	binary.LittleEndian.PutUint16(n.data()[nodeHeaderEnd+i*slotSize:], uint16(off))
}

// cell returns the raw bytes of entry i, aliasing the page.
func (n node) cell(i int) []byte {
	d := n.data()
	off := n.offset(i)
	return d[off : off+entrySize(d[off:], n.isLeaf())]
}

func (n node) key(i int) []byte {
	return entryKey(n.cell(i), n.isLeaf())
}

func (n node) child(i int) uint32 {
	return cellChild(n.cell(i))
}

// usedSpace counts the live entries and their offsets.
func (n node) usedSpace() int {
	used := 0
	for i := 0; i < n.count(); i++ {
		used += len(n.cell(i)) + slotSize
	}
	return used
}

// insertCell puts cell at position i. It compacts the page when holes
// left by removals are needed and reports false when the cell does not fit.
func (n node) insertCell(i int, cell []byte) bool {
	need := len(cell) + slotSize
	if n.freeSpace() < need {
		if n.usable()-n.usedSpace() < need {
			return false
		}
		n.compact()
	}

	count := n.count()
	d := n.data()
	start := nodeHeaderEnd + i*slotSize
	copy(d[start+slotSize:], d[start:nodeHeaderEnd+count*slotSize])

	upper := n.upper() - len(cell)
	copy(d[upper:], cell)
	n.setUpper(upper)
	n.setOffset(i, upper)
	n.setCount(count + 1)
	n.setLower(n.lower() + slotSize)
	return true
}

// removeCell drops entry i. The entry bytes become a hole reclaimed by the
// next compaction.
func (n node) removeCell(i int) {
	count := n.count()
	d := n.data()
	off := n.offset(i)
	size := len(n.cell(i))

	start := nodeHeaderEnd + i*slotSize
	copy(d[start:], d[start+slotSize:nodeHeaderEnd+count*slotSize])
	n.setCount(count - 1)
	n.setLower(n.lower() - slotSize)
	if off == n.upper() {
		n.setUpper(off + size)
	}
}

// cells returns copies of all entries in order.
func (n node) cells() [][]byte {
	out := make([][]byte, n.count())
	for i := range out {
		out[i] = bytes.Clone(n.cell(i))
	}
	return out
}

// reset rewrites the page content with cells, which must fit.
func (n node) reset(cells [][]byte) {
	d := n.data()
	clear(d[nodeHeaderEnd:])
	n.setCount(0)
	n.setLower(nodeHeaderEnd)
	n.setUpper(len(d))
	for i, c := range cells {
		n.insertCell(i, c)
	}
}

func (n node) compact() {
	n.reset(n.cells())
}

// leafSearch returns the position of the first key >= key and whether it
// is an exact match.
func (n node) leafSearch(key []byte) (int, bool) {
	lo, hi := 0, n.count()
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(n.key(mid), key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, lo < n.count() && bytes.Equal(n.key(lo), key)
}

// branchSearch returns the index of the child covering key: the largest i
// whose separator is <= key. Entry 0 covers everything below entry 1.
func (n node) branchSearch(key []byte) int {
	lo, hi := 1, n.count()
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(n.key(mid), key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo - 1
}

// checkLayout verifies the page bookkeeping before entries are decoded.
func (n node) checkLayout() error {
	d := n.data()
	count, lower, upper := n.count(), n.lower(), n.upper()
	if lower != nodeHeaderEnd+count*slotSize || lower > upper || upper > len(d) {
		return inconsistent(n.pageNo(), "bad layout: count=%d lower=%d upper=%d", count, lower, upper)
	}
	for i := 0; i < count; i++ {
		off := n.offset(i)
		if off < upper || off >= len(d) {
			return inconsistent(n.pageNo(), "entry %d offset %d outside [%d, %d)", i, off, upper, len(d))
		}
		size := entrySize(d[off:], n.isLeaf())
		if size <= 0 || off+size > len(d) {
			return inconsistent(n.pageNo(), "entry %d overruns the page", i)
		}
	}
	return nil
}

// entrySize parses the entry at the start of b and returns its length, or
// -1 when b is too short.
func entrySize(b []byte, leaf bool) int {
	pos := 0
	if leaf {
		if len(b) < 1 {
			return -1
		}
		pos = 1
	} else {
		if len(b) < 4 {
			return -1
		}
		pos = 4
	}
	_, n, ok := encoding.GetBytes(b[pos:])
	if !ok {
		return -1
	}
	pos += n
	if !leaf {
		return pos
	}
	switch payloadKind(b[0]) {
	case payloadValue:
		_, n, ok := encoding.GetBytes(b[pos:])
		if !ok {
			return -1
		}
		return pos + n
	case payloadSubtree:
		if len(b) < pos+stateSize {
			return -1
		}
		return pos + stateSize
	}
	return -1
}

func entryKey(cell []byte, leaf bool) []byte {
	start := 4
	if leaf {
		start = 1
	}
	key, _, _ := encoding.GetBytes(cell[start:])
	return key
}

func cellChild(cell []byte) uint32 {
	return binary.LittleEndian.Uint32(cell)
}

func branchCell(key []byte, child uint32) []byte {
	cell := make([]byte, 4+encoding.BytesLen(key))
	binary.LittleEndian.PutUint32(cell, child)
	encoding.PutBytes(cell[4:], key)
	return cell
}
