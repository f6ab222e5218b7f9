// pkg/tree/validate.go
package tree

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"voron/pkg/pager"
)

type validateItem struct {
	pageNo   uint32
	depth    uint32
	lower    []byte
	upper    []byte
	hasUpper bool
}

// Validate walks every page of the tree and of its nested trees and checks
// page types, key order, separator bounds, uniform leaf depth and the
// counters kept in the state.
func (t *Tree) Validate() error {
	var entries uint64
	var branches, leaves uint32
	seen := make(map[uint32]bool)

	stack := []validateItem{{pageNo: t.state.RootPage, depth: 1}}
	for len(stack) > 0 {
		item := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if seen[item.pageNo] {
			return inconsistent(item.pageNo, "page reachable twice")
		}
		seen[item.pageNo] = true

		page, err := t.src.GetPage(item.pageNo)
		if err != nil {
			return err
		}
		n := node{page: page}
		wantLeaf := item.depth == t.state.Depth
		switch {
		case item.depth > t.state.Depth:
			return inconsistent(item.pageNo, "page below the tree depth %d", t.state.Depth)
		case wantLeaf && page.Type() != pager.PageTypeLeaf:
			return inconsistent(item.pageNo, "expected leaf at depth %d, found %s", item.depth, page.Type())
		case !wantLeaf && page.Type() != pager.PageTypeBranch:
			return inconsistent(item.pageNo, "expected branch at depth %d, found %s", item.depth, page.Type())
		}
		if err := n.checkLayout(); err != nil {
			return err
		}

		count := n.count()
		if count == 0 && (!wantLeaf || item.depth > 1) {
			return inconsistent(item.pageNo, "empty non-root page")
		}

		first := 0
		if !wantLeaf {
			if len(n.key(0)) != 0 {
				return inconsistent(item.pageNo, "first branch entry carries key %q", n.key(0))
			}
			first = 1
		}
		for i := first; i < count; i++ {
			key := n.key(i)
			if i > first && bytes.Compare(n.key(i-1), key) >= 0 {
				return inconsistent(item.pageNo, "keys out of order at entry %d", i)
			}
			if item.lower != nil && bytes.Compare(key, item.lower) < 0 {
				return inconsistent(item.pageNo, "key %q below separator %q", key, item.lower)
			}
			if item.hasUpper && bytes.Compare(key, item.upper) >= 0 {
				return inconsistent(item.pageNo, "key %q not below separator %q", key, item.upper)
			}
		}

		if wantLeaf {
			leaves++
			entries += uint64(count)
			for i := 0; i < count; i++ {
				_, p := decodeLeafCell(n.cell(i))
				switch p.kind {
				case payloadValue:
				case payloadSubtree:
					nested := Open(t.src, t.nestedName(n.key(i)), p.subtree)
					if err := nested.Validate(); err != nil {
						return fmt.Errorf("nested tree under %q: %w", n.key(i), err)
					}
				default:
					return inconsistent(item.pageNo, "entry %d has unknown payload kind %d", i, p.kind)
				}
			}
			continue
		}

		branches++
		for i := count - 1; i >= 0; i-- {
			child := validateItem{
				pageNo:   n.child(i),
				depth:    item.depth + 1,
				lower:    item.lower,
				upper:    item.upper,
				hasUpper: item.hasUpper,
			}
			if i > 0 {
				child.lower = n.key(i)
			}
			if i+1 < count {
				child.upper, child.hasUpper = n.key(i+1), true
			}
			stack = append(stack, child)
		}
	}

	if entries != t.state.EntriesCount {
		return inconsistent(t.state.RootPage, "state counts %d entries, leaves hold %d", t.state.EntriesCount, entries)
	}
	if branches != t.state.BranchPages || leaves != t.state.LeafPages {
		return inconsistent(t.state.RootPage, "state counts %d branch and %d leaf pages, found %d and %d",
			t.state.BranchPages, t.state.LeafPages, branches, leaves)
	}
	return nil
}

// Render writes a readable dump of the tree pages to w.
func (t *Tree) Render(w io.Writer) error {
	s := t.state
	if _, err := fmt.Fprintf(w, "tree %q root=%d depth=%d entries=%d branches=%d leaves=%d\n",
		t.name, s.RootPage, s.Depth, s.EntriesCount, s.BranchPages, s.LeafPages); err != nil {
		return err
	}
	return t.renderPage(w, s.RootPage, 1)
}

func (t *Tree) renderPage(w io.Writer, pageNo uint32, level int) error {
	page, err := t.src.GetPage(pageNo)
	if err != nil {
		return err
	}
	n := node{page: page}
	indent := strings.Repeat("  ", level)
	if _, err := fmt.Fprintf(w, "%s%s page %d tx=%d entries=%d free=%d\n",
		indent, page.Type(), pageNo, page.TxID(), n.count(), n.usable()-n.usedSpace()); err != nil {
		return err
	}
	for i := 0; i < n.count(); i++ {
		if !n.isLeaf() {
			fmt.Fprintf(w, "%s  [%d] %s -> %d\n", indent, i, renderKey(n.key(i), i == 0), n.child(i))
			if err := t.renderPage(w, n.child(i), level+2); err != nil {
				return err
			}
			continue
		}
		key, p := decodeLeafCell(n.cell(i))
		switch p.kind {
		case payloadSubtree:
			fmt.Fprintf(w, "%s  [%d] %s => nested root=%d entries=%d\n", indent, i, renderKey(key, false), p.subtree.RootPage, p.subtree.EntriesCount)
		default:
			fmt.Fprintf(w, "%s  [%d] %s (%d bytes)\n", indent, i, renderKey(key, false), len(p.value))
		}
	}
	return nil
}

func renderKey(key []byte, implicit bool) string {
	if implicit {
		return "<before-all-keys>"
	}
	if len(key) > 24 {
		return fmt.Sprintf("%q...", key[:24])
	}
	return fmt.Sprintf("%q", key)
}
