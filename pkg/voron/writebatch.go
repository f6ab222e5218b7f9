// pkg/voron/writebatch.go
package voron

import (
	"fmt"
	"io"

	"voron/pkg/slice"
)

// BatchOperationType is the kind of a recorded batch operation.
type BatchOperationType uint8

const (
	BatchAdd BatchOperationType = iota + 1
	BatchDelete
	BatchMultiAdd
	BatchMultiDelete
)

func (t BatchOperationType) String() string {
	switch t {
	case BatchAdd:
		return "add"
	case BatchDelete:
		return "delete"
	case BatchMultiAdd:
		return "multi-add"
	case BatchMultiDelete:
		return "multi-delete"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// BatchOperation is one recorded mutation.
type BatchOperation struct {
	Type     BatchOperationType
	TreeName string
	Key      slice.Slice
	Value    []byte

	// Stream supplies the value of an Add recorded from a reader. It is
	// consumed when the batch is written.
	Stream io.Reader
}

// value returns the bytes to store for an add.
func (op *BatchOperation) value() ([]byte, error) {
	if op.Stream == nil {
		return op.Value, nil
	}
	data, err := io.ReadAll(op.Stream)
	if err != nil {
		return nil, fmt.Errorf("read value of %q: %w", op.Key, err)
	}
	return data, nil
}

// WriteBatch records mutations across trees to be applied atomically by
// a Writer. Operations run in the order they were recorded.
type WriteBatch struct {
	ops []BatchOperation
}

// NewWriteBatch returns an empty batch.
func NewWriteBatch() *WriteBatch {
	return &WriteBatch{}
}

// Add records storing the content of value under key.
func (b *WriteBatch) Add(key slice.Slice, value io.Reader, treeName string) {
	b.ops = append(b.ops, BatchOperation{Type: BatchAdd, TreeName: treeName, Key: key.Clone(), Stream: value})
}

// AddBytes records storing value under key.
func (b *WriteBatch) AddBytes(key slice.Slice, value []byte, treeName string) {
	b.ops = append(b.ops, BatchOperation{
		Type:     BatchAdd,
		TreeName: treeName,
		Key:      key.Clone(),
		Value:    append([]byte{}, value...),
	})
}

// Delete records removing key.
func (b *WriteBatch) Delete(key slice.Slice, treeName string) {
	b.ops = append(b.ops, BatchOperation{Type: BatchDelete, TreeName: treeName, Key: key.Clone()})
}

// MultiAdd records adding value to the set under key.
func (b *WriteBatch) MultiAdd(key, value slice.Slice, treeName string) {
	b.ops = append(b.ops, BatchOperation{
		Type:     BatchMultiAdd,
		TreeName: treeName,
		Key:      key.Clone(),
		Value:    append([]byte{}, value.Bytes()...),
	})
}

// MultiDelete records removing value from the set under key.
func (b *WriteBatch) MultiDelete(key, value slice.Slice, treeName string) {
	b.ops = append(b.ops, BatchOperation{
		Type:     BatchMultiDelete,
		TreeName: treeName,
		Key:      key.Clone(),
		Value:    append([]byte{}, value.Bytes()...),
	})
}

// Len returns the number of recorded operations.
func (b *WriteBatch) Len() int {
	return len(b.ops)
}

// Operations returns the recorded operations in order.
func (b *WriteBatch) Operations() []BatchOperation {
	return b.ops
}

// Reset empties the batch for reuse.
func (b *WriteBatch) Reset() {
	b.ops = b.ops[:0]
}
