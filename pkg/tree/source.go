// pkg/tree/source.go
package tree

import "voron/pkg/pager"

// PageSource is the transaction-side view of the page store a tree works
// on. Write transactions keep modified pages in a private arena keyed by
// page number; read transactions resolve pages against their snapshot.
type PageSource interface {
	// PageSize returns the size of every page.
	PageSize() int

	// Writable reports whether the tree may be modified.
	Writable() bool

	// GetPage returns the page as the transaction sees it. The page must
	// not be modified.
	GetPage(pageNo uint32) (*pager.Page, error)

	// ModifyPage returns a copy of the page owned by the transaction.
	// Repeated calls return the same copy.
	ModifyPage(pageNo uint32) (*pager.Page, error)

	// AllocatePage returns a new zeroed page owned by the transaction.
	AllocatePage() (*pager.Page, error)

	// FreePage releases a page the tree no longer references.
	FreePage(pageNo uint32)
}
