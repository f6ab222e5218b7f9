// pkg/tree/iterator.go
package tree

import (
	"bytes"
	"sort"

	"voron/pkg/pager"
	"voron/pkg/slice"
)

// Iterator walks keys in ascending order. A fresh iterator is not
// positioned; call Seek first (MoveNext on a fresh iterator starts from the
// first key).
type Iterator interface {
	// Seek positions the iterator at the first key >= key and reports
	// whether such a key exists within the bounds.
	Seek(key slice.Slice) bool

	// MoveNext advances to the next key and reports whether it exists.
	MoveNext() bool

	// CurrentKey returns the key at the current position.
	CurrentKey() slice.Slice

	// Value returns the inline value at the current position, or nil for
	// a key holding a multi-value set.
	Value() []byte

	// SetRequiredPrefix stops iteration at the first key without prefix.
	SetRequiredPrefix(prefix slice.Slice)

	// SetMaxKey stops iteration at the first key greater than key.
	SetMaxKey(key slice.Slice)

	// Err returns the error that stopped iteration, if any.
	Err() error

	// Close releases the iterator.
	Close() error
}

// bounds holds the optional limits shared by iterator implementations.
type bounds struct {
	prefix slice.Slice
	max    slice.Slice
	hasMax bool
}

func (b *bounds) SetRequiredPrefix(prefix slice.Slice) {
	b.prefix = prefix.Clone()
}

func (b *bounds) SetMaxKey(key slice.Slice) {
	b.max = key.Clone()
	b.hasMax = true
}

// start adjusts a seek target so it does not start before the prefix.
func (b *bounds) start(key slice.Slice) slice.Slice {
	if b.prefix.Len() > 0 && key.Compare(b.prefix) < 0 {
		return b.prefix
	}
	return key
}

func (b *bounds) within(key []byte) bool {
	if b.prefix.Len() > 0 && !bytes.HasPrefix(key, b.prefix.Bytes()) {
		return false
	}
	if b.hasMax && b.max.CompareBytes(key) < 0 {
		return false
	}
	return true
}

type iterFrame struct {
	page *pager.Page
	pos  int
}

// TreeIterator iterates the leaf entries of a tree.
type TreeIterator struct {
	bounds
	tree    *Tree
	stack   []iterFrame
	valid   bool
	started bool
	closed  bool
	err     error
}

var _ Iterator = (*TreeIterator)(nil)

// Iterate returns an unpositioned iterator over the tree.
func (t *Tree) Iterate() *TreeIterator {
	return &TreeIterator{tree: t}
}

// Seek positions the iterator at the first key >= key.
func (it *TreeIterator) Seek(key slice.Slice) bool {
	it.started = true
	it.stack = it.stack[:0]
	it.valid = false
	if it.closed || it.err != nil {
		return false
	}

	key = it.start(key)
	if key.IsAfterAllKeys() {
		return false
	}
	target := key.Bytes()

	pageNo := it.tree.state.RootPage
	for {
		page, err := it.tree.src.GetPage(pageNo)
		if err != nil {
			it.err = err
			return false
		}
		n := node{page: page}
		if !n.isLeaf() {
			if n.count() == 0 {
				it.err = inconsistent(pageNo, "empty branch page")
				return false
			}
			i := n.branchSearch(target)
			it.stack = append(it.stack, iterFrame{page: page, pos: i})
			pageNo = n.child(i)
			continue
		}
		pos, _ := n.leafSearch(target)
		it.stack = append(it.stack, iterFrame{page: page, pos: pos})
		if pos < n.count() {
			it.valid = true
		} else {
			it.nextLeaf()
		}
		return it.settle()
	}
}

// MoveNext advances to the next key.
func (it *TreeIterator) MoveNext() bool {
	if !it.started {
		return it.Seek(slice.BeforeAllKeys)
	}
	if !it.valid {
		return false
	}
	leaf := &it.stack[len(it.stack)-1]
	leaf.pos++
	if leaf.pos >= (node{page: leaf.page}).count() {
		it.nextLeaf()
	}
	return it.settle()
}

// nextLeaf moves to the first entry of the next non-empty leaf.
func (it *TreeIterator) nextLeaf() {
	it.valid = false
	it.stack = it.stack[:len(it.stack)-1]
	for len(it.stack) > 0 {
		parent := &it.stack[len(it.stack)-1]
		parent.pos++
		pn := node{page: parent.page}
		if parent.pos >= pn.count() {
			it.stack = it.stack[:len(it.stack)-1]
			continue
		}

		pageNo := pn.child(parent.pos)
		for {
			page, err := it.tree.src.GetPage(pageNo)
			if err != nil {
				it.err = err
				return
			}
			n := node{page: page}
			it.stack = append(it.stack, iterFrame{page: page, pos: 0})
			if n.isLeaf() {
				if n.count() > 0 {
					it.valid = true
					return
				}
				it.stack = it.stack[:len(it.stack)-1]
				break
			}
			if n.count() == 0 {
				it.err = inconsistent(pageNo, "empty branch page")
				return
			}
			pageNo = n.child(0)
		}
	}
}

func (it *TreeIterator) settle() bool {
	if it.valid && !it.within(it.currentCell().key()) {
		it.valid = false
	}
	return it.valid
}

type leafEntry []byte

func (e leafEntry) key() []byte {
	return entryKey(e, true)
}

func (it *TreeIterator) currentCell() leafEntry {
	f := it.stack[len(it.stack)-1]
	return leafEntry(node{page: f.page}.cell(f.pos))
}

// CurrentKey returns a copy of the current key.
func (it *TreeIterator) CurrentKey() slice.Slice {
	if !it.valid {
		return slice.Empty
	}
	return slice.FromBytes(it.currentCell().key())
}

// Value returns a copy of the current inline value.
func (it *TreeIterator) Value() []byte {
	if !it.valid {
		return nil
	}
	_, p := decodeLeafCell(it.currentCell())
	if p.kind != payloadValue {
		return nil
	}
	return p.detach().value
}

// IsMultiValue reports whether the current key holds a multi-value set.
func (it *TreeIterator) IsMultiValue() bool {
	if !it.valid {
		return false
	}
	_, p := decodeLeafCell(it.currentCell())
	return p.kind == payloadSubtree
}

func (it *TreeIterator) Err() error {
	return it.err
}

func (it *TreeIterator) Close() error {
	it.closed = true
	it.valid = false
	it.stack = nil
	return nil
}

// listIterator iterates a fixed, sorted list of keys. It serves multi-value
// reads of keys that hold at most one value.
type listIterator struct {
	bounds
	keys    [][]byte
	pos     int
	started bool
	valid   bool
}

func newListIterator(keys ...[]byte) *listIterator {
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i], keys[j]) < 0 })
	return &listIterator{keys: keys}
}

func (it *listIterator) Seek(key slice.Slice) bool {
	it.started = true
	key = it.start(key)
	it.pos = sort.Search(len(it.keys), func(i int) bool { return key.CompareBytes(it.keys[i]) <= 0 })
	return it.settle()
}

func (it *listIterator) MoveNext() bool {
	if !it.started {
		return it.Seek(slice.BeforeAllKeys)
	}
	if !it.valid {
		return false
	}
	it.pos++
	return it.settle()
}

func (it *listIterator) settle() bool {
	it.valid = it.pos < len(it.keys) && it.within(it.keys[it.pos])
	return it.valid
}

func (it *listIterator) CurrentKey() slice.Slice {
	if !it.valid {
		return slice.Empty
	}
	return slice.FromBytes(it.keys[it.pos])
}

func (it *listIterator) Value() []byte {
	if !it.valid {
		return nil
	}
	return []byte{}
}

func (it *listIterator) Err() error { return nil }

func (it *listIterator) Close() error {
	it.keys = nil
	it.valid = false
	return nil
}
