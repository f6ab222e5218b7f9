//go:build unix

// pkg/pager/mmap_unix.go
package pager

import (
	"os"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// OpenMmapFile opens or creates a memory-mapped file.
// If the file is smaller than initialSize it is extended first.
func OpenMmapFile(path string, initialSize int64) (*MmapFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	size := stat.Size()
	if initialSize > size {
		if err := f.Truncate(initialSize); err != nil {
			f.Close()
			return nil, err
		}
		size = initialSize
	}

	if size == 0 {
		f.Close()
		return nil, ErrEmptyMapping
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &MmapFile{
		file: f,
		data: data,
		size: size,
	}, nil
}

// Sync flushes changes to disk
func (m *MmapFile) Sync() error {
	return unix.Msync(m.data, unix.MS_SYNC)
}

// Grow extends the file and remaps it. Slices obtained before the call
// are invalid afterwards.
func (m *MmapFile) Grow(newSize int64) error {
	if newSize <= m.size {
		return nil
	}

	// With MAP_SHARED the writes sit in the page cache; flush them before
	// the mapping goes away.
	if err := unix.Msync(m.data, unix.MS_SYNC); err != nil {
		return err
	}
	if err := unix.Munmap(m.data); err != nil {
		return err
	}
	m.data = nil

	if err := m.file.Truncate(newSize); err != nil {
		return err
	}

	data, err := unix.Mmap(int(m.file.Fd()), 0, int(newSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return err
	}

	m.data = data
	m.size = newSize
	return nil
}

// Close unmaps and closes the file.
func (m *MmapFile) Close() error {
	var err error
	if m.data != nil {
		err = multierr.Append(err, unix.Munmap(m.data))
		m.data = nil
	}
	if m.file != nil {
		err = multierr.Append(err, m.file.Close())
		m.file = nil
	}
	return err
}
