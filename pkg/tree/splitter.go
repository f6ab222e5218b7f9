// pkg/tree/splitter.go
package tree

import (
	"bytes"
	"slices"

	"voron/pkg/pager"
)

// sibling is a page created by a split together with its separator key.
type sibling struct {
	key    []byte
	pageNo uint32
}

// pendingSeparator is a separator waiting to be linked into the page above
// height (leaves are at height 0).
type pendingSeparator struct {
	height int
	sibling
}

// insertEntry writes a leaf entry at position i and links any pages the
// split produced into the branch levels above.
func (t *Tree) insertEntry(leafNo uint32, i int, cell []byte, replace bool) error {
	siblings, err := t.placeCell(leafNo, i, cell, replace)
	if err != nil {
		return err
	}

	// Separators are processed depth first so a parent split is fully
	// linked before the next separator of the level below looks for its
	// parent.
	var stack []pendingSeparator
	push := func(height int, sibs []sibling) {
		for j := len(sibs) - 1; j >= 0; j-- {
			stack = append(stack, pendingSeparator{height: height, sibling: sibs[j]})
		}
	}
	push(0, siblings)

	for len(stack) > 0 {
		sep := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		parentHeight := sep.height + 1
		if parentHeight >= int(t.state.Depth) {
			if err := t.growRoot(); err != nil {
				return err
			}
		}
		parentNo, err := t.pageAtHeight(sep.key, parentHeight)
		if err != nil {
			return err
		}
		parent, err := t.src.GetPage(parentNo)
		if err != nil {
			return err
		}
		pos := node{page: parent}.branchSearch(sep.key) + 1
		sibs, err := t.placeCell(parentNo, pos, branchCell(sep.key, sep.pageNo), false)
		if err != nil {
			return err
		}
		push(parentHeight, sibs)
	}
	return nil
}

// growRoot puts a new branch root above the current root.
func (t *Tree) growRoot() error {
	page, err := t.src.AllocatePage()
	if err != nil {
		return err
	}
	n := initNode(page, pager.PageTypeBranch)
	n.insertCell(0, branchCell(nil, t.state.RootPage))
	t.state.RootPage = page.PageNo()
	t.state.Depth++
	t.state.BranchPages++
	return nil
}

// pageAtHeight descends towards key and returns the page at height.
func (t *Tree) pageAtHeight(key []byte, height int) (uint32, error) {
	pageNo := t.state.RootPage
	for h := int(t.state.Depth) - 1; h > height; h-- {
		page, err := t.src.GetPage(pageNo)
		if err != nil {
			return 0, err
		}
		n := node{page: page}
		if page.Type() != pager.PageTypeBranch || n.count() == 0 {
			return 0, inconsistent(pageNo, "expected a non-empty branch at height %d", h)
		}
		pageNo = n.child(n.branchSearch(key))
	}
	return pageNo, nil
}

// placeCell writes cell at position i of a page, replacing entry i when
// replace is set. When the page overflows its entries are spread over the
// page and as many new pages as needed, which are returned in key order.
func (t *Tree) placeCell(pageNo uint32, i int, cell []byte, replace bool) ([]sibling, error) {
	page, err := t.src.ModifyPage(pageNo)
	if err != nil {
		return nil, err
	}
	n := node{page: page}
	if replace {
		n.removeCell(i)
	}
	if n.insertCell(i, cell) {
		return nil, nil
	}

	cells := slices.Insert(n.cells(), i, cell)
	var groups [][][]byte
	if !replace && i > 0 && i == len(cells)-1 {
		// Appending past the last entry usually means sequential inserts:
		// keep the page full and start the new page with the new entry.
		groups = [][][]byte{cells[:i], cells[i:]}
	} else {
		groups = splitCells(cells, n.usable())
	}
	return t.writeGroups(n, groups)
}

// splitCells partitions cells into groups that each fit in usable bytes.
// It prefers the single split point that best balances the two halves and
// falls back to a greedy partition when no single point works, which
// happens when a large entry sits between small ones.
func splitCells(cells [][]byte, usable int) [][][]byte {
	total := 0
	for _, c := range cells {
		total += len(c) + slotSize
	}

	best, bestDiff := -1, 0
	left := 0
	for i := 1; i < len(cells); i++ {
		left += len(cells[i-1]) + slotSize
		right := total - left
		if left > usable || right > usable {
			continue
		}
		diff := left - right
		if diff < 0 {
			diff = -diff
		}
		if best < 0 || diff < bestDiff {
			best, bestDiff = i, diff
		}
	}
	if best > 0 {
		return [][][]byte{cells[:best], cells[best:]}
	}

	var groups [][][]byte
	start, used := 0, 0
	for i, c := range cells {
		size := len(c) + slotSize
		if used+size > usable && i > start {
			groups = append(groups, cells[start:i])
			start, used = i, 0
		}
		used += size
	}
	return append(groups, cells[start:])
}

// writeGroups keeps the first group in n and writes the others to new
// pages of the same type.
func (t *Tree) writeGroups(n node, groups [][][]byte) ([]sibling, error) {
	leaf := n.isLeaf()
	n.reset(groups[0])

	siblings := make([]sibling, 0, len(groups)-1)
	for _, g := range groups[1:] {
		page, err := t.src.AllocatePage()
		if err != nil {
			return nil, err
		}
		sep := bytes.Clone(entryKey(g[0], leaf))
		var nn node
		if leaf {
			nn = initNode(page, pager.PageTypeLeaf)
			t.state.LeafPages++
		} else {
			// The separator moves up; the first entry of a branch page
			// covers everything below its second entry.
			g[0] = branchCell(nil, cellChild(g[0]))
			nn = initNode(page, pager.PageTypeBranch)
			t.state.BranchPages++
		}
		nn.reset(g)
		siblings = append(siblings, sibling{key: sep, pageNo: page.PageNo()})
	}
	return siblings, nil
}
