// pkg/voron/snapshot.go
package voron

import (
	"voron/pkg/slice"
	"voron/pkg/tree"
)

// Snapshot is a read-only view of the environment as of its creation.
// Close releases the pinned state.
type Snapshot struct {
	tx *Transaction
}

// Transaction returns the read transaction behind the snapshot.
func (s *Snapshot) Transaction() *Transaction {
	return s.tx
}

// Iterate returns an unpositioned iterator over the named tree.
func (s *Snapshot) Iterate(treeName string) (*tree.TreeIterator, error) {
	t, err := s.tx.GetTree(treeName)
	if err != nil {
		return nil, err
	}
	return t.Iterate(), nil
}

// Read returns the value stored under key in the named tree.
func (s *Snapshot) Read(treeName string, key slice.Slice) ([]byte, error) {
	t, err := s.tx.GetTree(treeName)
	if err != nil {
		return nil, err
	}
	return t.Read(key)
}

// MultiRead returns an iterator over the values stored under key.
func (s *Snapshot) MultiRead(treeName string, key slice.Slice) (tree.Iterator, error) {
	t, err := s.tx.GetTree(treeName)
	if err != nil {
		return nil, err
	}
	return t.MultiRead(key)
}

// Close releases the snapshot.
func (s *Snapshot) Close() error {
	return s.tx.Close()
}
