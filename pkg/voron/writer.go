// pkg/voron/writer.go
package voron

import (
	"context"
	"fmt"
)

// Writer applies write batches, each in its own write transaction.
type Writer struct {
	env *Environment
}

// Write applies batch atomically, waiting for the writer slot if another
// write transaction is open.
func (w *Writer) Write(batch *WriteBatch) error {
	return w.WriteContext(context.Background(), batch)
}

// WriteContext is like Write but gives up waiting for the writer slot when
// ctx is done. Any failing operation rolls back the whole batch.
func (w *Writer) WriteContext(ctx context.Context, batch *WriteBatch) error {
	if batch == nil || batch.Len() == 0 {
		return nil
	}
	tx, err := w.env.NewTransactionContext(ctx, ReadWrite)
	if err != nil {
		return err
	}
	defer tx.Close()

	for i := range batch.ops {
		op := &batch.ops[i]
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := apply(tx, op); err != nil {
			return fmt.Errorf("batch operation %d (%s on %q): %w", i, op.Type, op.TreeName, err)
		}
	}
	return tx.Commit()
}

func apply(tx *Transaction, op *BatchOperation) error {
	t, err := tx.GetTree(op.TreeName)
	if err != nil {
		return err
	}
	switch op.Type {
	case BatchAdd:
		value, err := op.value()
		if err != nil {
			return err
		}
		return t.Add(op.Key, value)
	case BatchDelete:
		return t.Delete(op.Key)
	case BatchMultiAdd:
		return t.MultiAdd(op.Key, op.Value)
	case BatchMultiDelete:
		return t.MultiDelete(op.Key, op.Value)
	}
	return fmt.Errorf("%w: unknown batch operation %s", ErrUsage, op.Type)
}
