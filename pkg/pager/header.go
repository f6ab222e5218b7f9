// pkg/pager/header.go
package pager

import (
	"encoding/binary"
	"fmt"
)

/*
Page 0 holds the environment header:

	0-16:   magic string
	16-20:  page size
	20-24:  page count (pages ever allocated, header included)
	24-28:  first freelist trunk page (0 when the freelist is not persisted)
	28-32:  number of pages in the persisted freelist
	32-40:  id of the last committed transaction
	40-42:  length of the root tree state
	42-58:  environment id
	58-...: root tree state (opaque to the pager)
*/
const (
	magicString       = "Voron format 1\x00\x00"
	offHdrPageSize    = 16
	offHdrPageCount   = 20
	offHdrFreelist    = 24
	offHdrFreeCount   = 28
	offHdrLastTxID    = 32
	offHdrRootLen     = 40
	offHdrEnvID       = 42
	offHdrRoot        = 58
	MaxRootStateSize  = 256
	defaultPageSize   = 4096
	MinPageSize       = 1024
	MaxPageSize       = 32768
	headerPageNo      = 0
	headerMinimumSize = offHdrRoot + MaxRootStateSize
)

// Header is the decoded content of page 0.
type Header struct {
	PageSize     uint32
	PageCount    uint32
	FreelistHead uint32
	FreeCount    uint32
	LastTxID     uint64
	EnvID        [16]byte
	RootState    []byte
}

// Encode writes the header into buf, which must be at least a page long.
func (h *Header) Encode(buf []byte) {
	clear(buf)
	copy(buf[0:16], magicString)
	binary.LittleEndian.PutUint32(buf[offHdrPageSize:], h.PageSize)
	binary.LittleEndian.PutUint32(buf[offHdrPageCount:], h.PageCount)
	binary.LittleEndian.PutUint32(buf[offHdrFreelist:], h.FreelistHead)
	binary.LittleEndian.PutUint32(buf[offHdrFreeCount:], h.FreeCount)
	binary.LittleEndian.PutUint64(buf[offHdrLastTxID:], h.LastTxID)
	binary.LittleEndian.PutUint16(buf[offHdrRootLen:], uint16(len(h.RootState)))
	copy(buf[offHdrEnvID:offHdrRoot], h.EnvID[:])
	copy(buf[offHdrRoot:], h.RootState)
}

// hasMagic reports whether buf starts with the header magic.
func hasMagic(buf []byte) bool {
	return len(buf) >= 16 && string(buf[0:16]) == magicString
}

// DecodeHeader parses page 0.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < headerMinimumSize || !hasMagic(buf) {
		return Header{}, ErrInvalidHeader
	}
	h := Header{
		PageSize:     binary.LittleEndian.Uint32(buf[offHdrPageSize:]),
		PageCount:    binary.LittleEndian.Uint32(buf[offHdrPageCount:]),
		FreelistHead: binary.LittleEndian.Uint32(buf[offHdrFreelist:]),
		FreeCount:    binary.LittleEndian.Uint32(buf[offHdrFreeCount:]),
		LastTxID:     binary.LittleEndian.Uint64(buf[offHdrLastTxID:]),
	}
	rootLen := int(binary.LittleEndian.Uint16(buf[offHdrRootLen:]))
	if rootLen > MaxRootStateSize {
		return Header{}, fmt.Errorf("%w: root state length %d", ErrInvalidHeader, rootLen)
	}
	if err := validatePageSize(int(h.PageSize)); err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	copy(h.EnvID[:], buf[offHdrEnvID:offHdrRoot])
	h.RootState = append([]byte(nil), buf[offHdrRoot:offHdrRoot+rootLen]...)
	return h, nil
}

func validatePageSize(size int) error {
	if size < MinPageSize || size > MaxPageSize || size&(size-1) != 0 {
		return fmt.Errorf("%w: %d (must be a power of two in [%d, %d])", ErrInvalidPageSize, size, MinPageSize, MaxPageSize)
	}
	return nil
}
