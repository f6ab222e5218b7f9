// pkg/pager/mmap.go
package pager

import (
	"errors"
	"os"
)

// ErrEmptyMapping is returned when a file cannot be mapped because it has no bytes.
var ErrEmptyMapping = errors.New("cannot mmap empty file")

// MmapFile provides memory-mapped file access. It implements Storage for
// durable environments.
type MmapFile struct {
	file *os.File
	data []byte
	size int64
}

// Size returns the current mapped size.
func (m *MmapFile) Size() int64 {
	return m.size
}

// Slice returns a slice of the mapped memory at the given offset and length.
func (m *MmapFile) Slice(offset, length int) []byte {
	if offset < 0 || length < 0 || offset+length > len(m.data) {
		return nil
	}
	return m.data[offset : offset+length]
}
