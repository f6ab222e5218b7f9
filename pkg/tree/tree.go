// pkg/tree/tree.go
// Package tree implements the B+tree stored in pager pages: named trees,
// nested multi-value trees, the page splitter and ordered iteration.
package tree

import (
	"fmt"

	"voron/pkg/pager"
	"voron/pkg/slice"
)

// Tree is a B+tree bound to one transaction.
type Tree struct {
	name  string
	src   PageSource
	state State
	dirty bool
}

// pathEntry records one branch level of a descent: the page and the index
// of the child that was followed.
type pathEntry struct {
	pageNo uint32
	index  int
}

// Create allocates an empty tree whose root is a single leaf.
func Create(src PageSource, name string, flags TreeFlags) (*Tree, error) {
	if !src.Writable() {
		return nil, ErrReadOnly
	}
	page, err := src.AllocatePage()
	if err != nil {
		return nil, err
	}
	initNode(page, pager.PageTypeLeaf)
	return &Tree{
		name: name,
		src:  src,
		state: State{
			RootPage:  page.PageNo(),
			Depth:     1,
			LeafPages: 1,
			Flags:     flags,
		},
		dirty: true,
	}, nil
}

// Open binds an existing tree to a transaction.
func Open(src PageSource, name string, state State) *Tree {
	return &Tree{name: name, src: src, state: state}
}

// Name returns the tree name.
func (t *Tree) Name() string {
	return t.name
}

// State returns the current tree state.
func (t *Tree) State() State {
	return t.state
}

// Dirty reports whether the state changed since the tree was opened.
func (t *Tree) Dirty() bool {
	return t.dirty
}

// MaxKeySize returns the largest key the tree accepts.
func (t *Tree) MaxKeySize() int {
	return MaxKeySize(t.src.PageSize())
}

func (t *Tree) checkWritable() error {
	if !t.src.Writable() {
		return ErrReadOnly
	}
	return nil
}

func (t *Tree) checkKey(key slice.Slice) error {
	if key.IsSentinel() || key.Len() == 0 {
		return ErrEmptyKey
	}
	if max := t.MaxKeySize(); key.Len() > max {
		return fmt.Errorf("%w: %d bytes, limit is %d", ErrKeyTooLarge, key.Len(), max)
	}
	return nil
}

// findLeaf descends from the root towards key and returns the leaf with
// the branch path that leads to it.
func (t *Tree) findLeaf(key []byte) (node, []pathEntry, error) {
	path := make([]pathEntry, 0, t.state.Depth)
	pageNo := t.state.RootPage
	for {
		page, err := t.src.GetPage(pageNo)
		if err != nil {
			return node{}, nil, err
		}
		n := node{page: page}
		switch page.Type() {
		case pager.PageTypeLeaf:
			if len(path)+1 != int(t.state.Depth) {
				return node{}, nil, inconsistent(pageNo, "leaf at depth %d, tree depth is %d", len(path)+1, t.state.Depth)
			}
			return n, path, nil
		case pager.PageTypeBranch:
			if n.count() == 0 {
				return node{}, nil, inconsistent(pageNo, "empty branch page")
			}
			if len(path)+1 >= int(t.state.Depth) {
				return node{}, nil, inconsistent(pageNo, "branch below the tree depth %d", t.state.Depth)
			}
			i := n.branchSearch(key)
			path = append(path, pathEntry{pageNo: pageNo, index: i})
			pageNo = n.child(i)
		default:
			return node{}, nil, inconsistent(pageNo, "unexpected %s page in tree", page.Type())
		}
	}
}

func (t *Tree) lookup(key []byte) (payload, bool, error) {
	leaf, _, err := t.findLeaf(key)
	if err != nil {
		return payload{}, false, err
	}
	i, found := leaf.leafSearch(key)
	if !found {
		return payload{}, false, nil
	}
	_, p := decodeLeafCell(leaf.cell(i))
	return p.detach(), true, nil
}

// Add stores value under key, replacing any previous value. A multi-value
// set stored under key is dropped.
func (t *Tree) Add(key slice.Slice, value []byte) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	if err := t.checkKey(key); err != nil {
		return err
	}
	old, err := t.put(key.Bytes(), valuePayload(value))
	if err != nil {
		return err
	}
	if old.kind == payloadSubtree {
		return t.freeNested(old.subtree)
	}
	return nil
}

// put writes (key, p) and returns the payload it replaced, if any.
func (t *Tree) put(key []byte, p payload) (payload, error) {
	if size := leafCellSize(key, p) + slotSize; size > usableSpace(t.src.PageSize()) {
		return payload{}, fmt.Errorf("%w: entry of %d bytes, page holds %d", ErrValueTooLarge, size, usableSpace(t.src.PageSize()))
	}

	leaf, _, err := t.findLeaf(key)
	if err != nil {
		return payload{}, err
	}
	i, found := leaf.leafSearch(key)
	var old payload
	if found {
		_, old = decodeLeafCell(leaf.cell(i))
		old = old.detach()
	} else {
		t.state.EntriesCount++
	}
	t.dirty = true
	return old, t.insertEntry(leaf.pageNo(), i, leafCell(key, p), found)
}

// Read returns a copy of the value stored under key.
func (t *Tree) Read(key slice.Slice) ([]byte, error) {
	if key.IsSentinel() {
		return nil, ErrKeyNotFound
	}
	p, found, err := t.lookup(key.Bytes())
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrKeyNotFound
	}
	if p.kind == payloadSubtree {
		return nil, ErrMultiValue
	}
	return p.value, nil
}

// Delete removes key. Deleting a missing key is a no-op.
func (t *Tree) Delete(key slice.Slice) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	if key.IsSentinel() || key.Len() == 0 {
		return ErrEmptyKey
	}
	return t.remove(key.Bytes(), true)
}

// remove deletes the entry for key, releasing a nested tree stored there
// when freeNested is set.
func (t *Tree) remove(key []byte, freeNested bool) error {
	leaf, path, err := t.findLeaf(key)
	if err != nil {
		return err
	}
	i, found := leaf.leafSearch(key)
	if !found {
		return nil
	}
	if _, p := decodeLeafCell(leaf.cell(i)); freeNested && p.kind == payloadSubtree {
		if err := t.freeNested(p.subtree); err != nil {
			return err
		}
	}
	return t.removeEntry(leaf.pageNo(), path, i)
}

// removeEntry drops entry i of a leaf. An emptied non-root leaf is unlinked
// from its parent; pages are never merged.
func (t *Tree) removeEntry(leafNo uint32, path []pathEntry, i int) error {
	page, err := t.src.ModifyPage(leafNo)
	if err != nil {
		return err
	}
	n := node{page: page}
	n.removeCell(i)
	t.state.EntriesCount--
	t.dirty = true

	if n.count() > 0 || len(path) == 0 {
		return nil
	}
	return t.unlink(leafNo, path)
}

// unlink removes an empty page from its parent and frees it, continuing
// upwards while parents become empty.
func (t *Tree) unlink(pageNo uint32, path []pathEntry) error {
	child, leaf := pageNo, true
	for level := len(path) - 1; level >= 0; level-- {
		t.freeTreePage(child, leaf)

		entry := path[level]
		page, err := t.src.ModifyPage(entry.pageNo)
		if err != nil {
			return err
		}
		parent := node{page: page}
		parent.removeCell(entry.index)
		if entry.index == 0 && parent.count() > 0 {
			// The new first entry takes over the open lower bound.
			first := parent.child(0)
			parent.removeCell(0)
			parent.insertCell(0, branchCell(nil, first))
		}
		if parent.count() > 0 {
			break
		}
		if level == 0 {
			// The root lost its last child: the tree is empty again.
			initNode(page, pager.PageTypeLeaf)
			t.state.BranchPages--
			t.state.LeafPages++
			t.state.Depth = 1
			return nil
		}
		child, leaf = entry.pageNo, false
	}
	return t.collapseRoot()
}

// collapseRoot replaces a branch root that has a single child by that
// child.
func (t *Tree) collapseRoot() error {
	for t.state.Depth > 1 {
		page, err := t.src.GetPage(t.state.RootPage)
		if err != nil {
			return err
		}
		n := node{page: page}
		if n.count() != 1 {
			return nil
		}
		old := t.state.RootPage
		t.state.RootPage = n.child(0)
		t.state.Depth--
		t.freeTreePage(old, false)
	}
	return nil
}

func (t *Tree) freeTreePage(pageNo uint32, leaf bool) {
	if leaf {
		t.state.LeafPages--
	} else {
		t.state.BranchPages--
	}
	t.src.FreePage(pageNo)
}

// freeNested releases every page of a nested tree.
func (t *Tree) freeNested(s State) error {
	return freeAll(t.src, s.RootPage)
}

// Drop releases every page of the tree, nested trees included. The tree
// must not be used afterwards.
func (t *Tree) Drop() error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	if err := freeAll(t.src, t.state.RootPage); err != nil {
		return err
	}
	t.state = State{}
	t.dirty = true
	return nil
}

func freeAll(src PageSource, root uint32) error {
	stack := []uint32{root}
	for len(stack) > 0 {
		pageNo := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		page, err := src.GetPage(pageNo)
		if err != nil {
			return err
		}
		n := node{page: page}
		for i := 0; i < n.count(); i++ {
			if !n.isLeaf() {
				stack = append(stack, n.child(i))
				continue
			}
			if _, p := decodeLeafCell(n.cell(i)); p.kind == payloadSubtree {
				stack = append(stack, p.subtree.RootPage)
			}
		}
		src.FreePage(pageNo)
	}
	return nil
}
