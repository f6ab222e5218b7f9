// pkg/pager/storage.go
package pager

// Storage defines the interface for page-level storage backends.
// The pager works on top of either a memory-mapped file or a plain
// in-memory buffer.
type Storage interface {
	// Size returns the current size of the storage in bytes.
	Size() int64

	// Slice returns a slice of the storage data at the given offset and length.
	// Returns nil if the requested range is out of bounds. The slice is only
	// valid until the next Grow.
	Slice(offset, length int) []byte

	// Sync flushes any pending writes to the underlying storage.
	Sync() error

	// Grow extends the storage to the specified size.
	// If newSize is less than or equal to current size, this is a no-op.
	Grow(newSize int64) error

	// Close releases any resources associated with the storage.
	Close() error
}

// MemoryStorage implements Storage using an in-memory byte slice.
// It backs environments opened with the in-memory option.
type MemoryStorage struct {
	data []byte
}

// NewMemoryStorage creates a new in-memory storage with the specified initial size.
func NewMemoryStorage(initialSize int64) *MemoryStorage {
	if initialSize <= 0 {
		initialSize = defaultPageSize
	}
	return &MemoryStorage{data: make([]byte, initialSize)}
}

// Size returns the current size of the storage in bytes.
func (m *MemoryStorage) Size() int64 {
	return int64(len(m.data))
}

// Slice returns a slice of the storage data at the given offset and length.
func (m *MemoryStorage) Slice(offset, length int) []byte {
	if offset < 0 || length < 0 || offset+length > len(m.data) {
		return nil
	}
	return m.data[offset : offset+length]
}

// Sync is a no-op for in-memory storage.
func (m *MemoryStorage) Sync() error {
	return nil
}

// Grow extends the storage, preserving existing data.
func (m *MemoryStorage) Grow(newSize int64) error {
	if newSize <= int64(len(m.data)) {
		return nil
	}
	grown := make([]byte, newSize)
	copy(grown, m.data)
	m.data = grown
	return nil
}

// Close releases the buffer. The storage must not be used afterwards.
func (m *MemoryStorage) Close() error {
	m.data = nil
	return nil
}
