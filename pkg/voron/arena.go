// pkg/voron/arena.go
package voron

import (
	"sort"

	"voron/pkg/pager"
	"voron/pkg/tree"
)

// pageArena is the page source of one transaction.
//
// Readers resolve every page against their snapshot. A writer keeps each
// page it touches as a private copy keyed by page number and stamped with
// its own transaction id; the copies reach the page store only on commit.
type pageArena struct {
	pager    *pager.Pager
	snapshot uint64
	txID     uint64
	writable bool

	pages   map[uint32]*pager.Page
	fresh   map[uint32]bool
	retired []uint32
	err     error

	// done is set when the transaction ends; tree handles that outlive it
	// get ErrTxDone.
	done bool
}

var _ tree.PageSource = (*pageArena)(nil)

func newReadArena(p *pager.Pager, snapshot uint64) *pageArena {
	return &pageArena{pager: p, snapshot: snapshot}
}

func newWriteArena(p *pager.Pager, snapshot, txID uint64) *pageArena {
	return &pageArena{
		pager:    p,
		snapshot: snapshot,
		txID:     txID,
		writable: true,
		pages:    make(map[uint32]*pager.Page),
		fresh:    make(map[uint32]bool),
	}
}

// fail records the first page-level failure; the transaction can no
// longer commit.
func (a *pageArena) fail(err error) error {
	if a.writable && a.err == nil {
		a.err = err
	}
	return err
}

func (a *pageArena) PageSize() int {
	return a.pager.PageSize()
}

func (a *pageArena) Writable() bool {
	return a.writable
}

func (a *pageArena) GetPage(pageNo uint32) (*pager.Page, error) {
	if a.done {
		return nil, ErrTxDone
	}
	if page, ok := a.pages[pageNo]; ok {
		return page, nil
	}
	page, err := a.pager.Read(pageNo, a.snapshot)
	if err != nil {
		return nil, a.fail(err)
	}
	return page, nil
}

func (a *pageArena) ModifyPage(pageNo uint32) (*pager.Page, error) {
	if a.done {
		return nil, ErrTxDone
	}
	if !a.writable {
		return nil, ErrReadOnly
	}
	if page, ok := a.pages[pageNo]; ok {
		return page, nil
	}
	base, err := a.pager.Read(pageNo, a.snapshot)
	if err != nil {
		return nil, a.fail(err)
	}
	page := base.Clone(a.txID)
	a.pages[pageNo] = page
	return page, nil
}

func (a *pageArena) AllocatePage() (*pager.Page, error) {
	if a.done {
		return nil, ErrTxDone
	}
	if !a.writable {
		return nil, ErrReadOnly
	}
	pageNo, err := a.pager.Allocate()
	if err != nil {
		return nil, a.fail(err)
	}
	page := pager.NewPage(pageNo, a.pager.PageSize(), pager.PageTypeUnknown, a.txID)
	a.pages[pageNo] = page
	a.fresh[pageNo] = true
	return page, nil
}

// FreePage drops a page from the arena. A page allocated by this
// transaction is reusable at once; a committed page is retired and
// released by the pager once no snapshot can reach it.
func (a *pageArena) FreePage(pageNo uint32) {
	if a.done || !a.writable {
		return
	}
	delete(a.pages, pageNo)
	if a.fresh[pageNo] {
		delete(a.fresh, pageNo)
		a.pager.Free(pageNo)
		return
	}
	a.retired = append(a.retired, pageNo)
}

// dirty returns the modified pages in page number order.
func (a *pageArena) dirty() []*pager.Page {
	pages := make([]*pager.Page, 0, len(a.pages))
	for _, page := range a.pages {
		pages = append(pages, page)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].PageNo() < pages[j].PageNo() })
	return pages
}

func (a *pageArena) empty() bool {
	return len(a.pages) == 0 && len(a.retired) == 0
}

// discard returns the pages allocated by the transaction to the freelist.
func (a *pageArena) discard() {
	fresh := make([]uint32, 0, len(a.fresh))
	for pageNo := range a.fresh {
		fresh = append(fresh, pageNo)
	}
	a.pager.Free(fresh...)
	a.pages, a.fresh, a.retired = nil, nil, nil
}

// seal ends the arena. Every later page request fails with ErrTxDone.
func (a *pageArena) seal() {
	a.done = true
	a.pages, a.fresh, a.retired = nil, nil, nil
}
