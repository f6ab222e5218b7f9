//go:build !unix

// pkg/pager/mmap_other.go
package pager

import "errors"

// OpenMmapFile is only available on unix platforms.
func OpenMmapFile(path string, initialSize int64) (*MmapFile, error) {
	return nil, errors.New("memory-mapped storage is not supported on this platform")
}

func (m *MmapFile) Sync() error             { return nil }
func (m *MmapFile) Grow(newSize int64) error { return errors.New("memory-mapped storage is not supported on this platform") }
func (m *MmapFile) Close() error            { return nil }
