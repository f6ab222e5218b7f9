// pkg/pager/page.go
package pager

import (
	"encoding/binary"
	"fmt"
)

// PageType identifies the type of data stored in a page
type PageType byte

const (
	PageTypeUnknown  PageType = 0x00
	PageTypeBranch   PageType = 0x01
	PageTypeLeaf     PageType = 0x02
	PageTypeFreeList PageType = 0x30
	PageTypeHeader   PageType = 0x7f
)

func (t PageType) String() string {
	switch t {
	case PageTypeBranch:
		return "branch"
	case PageTypeLeaf:
		return "leaf"
	case PageTypeFreeList:
		return "freelist"
	case PageTypeHeader:
		return "header"
	default:
		return fmt.Sprintf("unknown(%#x)", byte(t))
	}
}

/*
Common page header (16 bytes), shared by every page except page 0:

	0:     page type
	1:     flags (owned by the page's user)
	2-4:   reserved
	4-8:   page number
	8-16:  id of the transaction that wrote this version

The transaction id is the page's generation tag. Readers pinned to an older
snapshot use it to pick the version they are allowed to see.
*/
const PageHeaderSize = 16

const (
	offType   = 0
	offFlags  = 1
	offPageNo = 4
	offTxID   = 8
)

// Page is a fixed-size block identified by its page number.
//
// Committed pages are immutable: the pager hands the same *Page to every
// reader. Writers obtain a private copy through Clone and publish it with
// Pager.Commit.
type Page struct {
	pageNo uint32
	data   []byte
}

// NewPage creates a zeroed page of the given type, stamped with txID.
func NewPage(pageNo uint32, pageSize int, t PageType, txID uint64) *Page {
	p := &Page{
		pageNo: pageNo,
		data:   make([]byte, pageSize),
	}
	p.data[offType] = byte(t)
	binary.LittleEndian.PutUint32(p.data[offPageNo:], pageNo)
	binary.LittleEndian.PutUint64(p.data[offTxID:], txID)
	return p
}

// NewPageWithData wraps existing bytes (loaded from storage or a journal frame).
func NewPageWithData(pageNo uint32, data []byte) *Page {
	return &Page{
		pageNo: pageNo,
		data:   data,
	}
}

// PageNo returns the page number
func (p *Page) PageNo() uint32 {
	return p.pageNo
}

// Data returns the raw page bytes, header included.
func (p *Page) Data() []byte {
	return p.data
}

// Type returns the page type.
func (p *Page) Type() PageType {
	if len(p.data) == 0 {
		return PageTypeUnknown
	}
	return PageType(p.data[offType])
}

// SetType sets the page type.
func (p *Page) SetType(t PageType) {
	p.data[offType] = byte(t)
}

// Flags returns the user flags byte.
func (p *Page) Flags() byte {
	return p.data[offFlags]
}

// SetFlags sets the user flags byte.
func (p *Page) SetFlags(f byte) {
	p.data[offFlags] = f
}

// TxID returns the id of the transaction that wrote this version.
func (p *Page) TxID() uint64 {
	return binary.LittleEndian.Uint64(p.data[offTxID:])
}

// storedPageNo is the page number recorded in the header, used to detect
// pages that were written to the wrong slot or never written at all.
func (p *Page) storedPageNo() uint32 {
	return binary.LittleEndian.Uint32(p.data[offPageNo:])
}

// Clone returns a private, writable copy stamped with txID.
func (p *Page) Clone(txID uint64) *Page {
	c := &Page{
		pageNo: p.pageNo,
		data:   make([]byte, len(p.data)),
	}
	copy(c.data, p.data)
	binary.LittleEndian.PutUint64(c.data[offTxID:], txID)
	return c
}

// Body returns the bytes after the common header.
func (p *Page) Body() []byte {
	return p.data[PageHeaderSize:]
}
