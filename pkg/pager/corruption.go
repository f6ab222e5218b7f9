// pkg/pager/corruption.go
package pager

import "fmt"

// CorruptionError reports a page whose stored header does not match the
// slot it was read from, which happens after a torn write or when a page
// number that was never written is dereferenced.
type CorruptionError struct {
	PageNo   uint32
	PageType PageType
	Stored   uint32
	Message  string
}

// Error implements the error interface
func (e *CorruptionError) Error() string {
	return fmt.Sprintf("page %d corruption (%s, header says page %d): %s",
		e.PageNo, e.PageType, e.Stored, e.Message)
}

// verifyPage checks the common header of a page loaded from storage.
func verifyPage(pageNo uint32, page *Page) *CorruptionError {
	stored := page.storedPageNo()
	if stored != pageNo {
		return &CorruptionError{
			PageNo:   pageNo,
			PageType: page.Type(),
			Stored:   stored,
			Message:  "page number mismatch",
		}
	}
	switch page.Type() {
	case PageTypeBranch, PageTypeLeaf, PageTypeFreeList:
		return nil
	}
	return &CorruptionError{
		PageNo:   pageNo,
		PageType: page.Type(),
		Stored:   stored,
		Message:  "unexpected page type",
	}
}
