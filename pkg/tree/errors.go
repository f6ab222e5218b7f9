// pkg/tree/errors.go
package tree

import (
	"errors"
	"fmt"
)

// Error categories. Every error returned by the engine wraps one of them.
var (
	ErrUsage       = errors.New("usage error")
	ErrCapacity    = errors.New("capacity exceeded")
	ErrConsistency = errors.New("consistency violation")
)

var (
	ErrKeyNotFound   = errors.New("key not found")
	ErrReadOnly      = fmt.Errorf("%w: tree is read-only in this transaction", ErrUsage)
	ErrMultiValue    = fmt.Errorf("%w: key holds a multi-value set, use MultiRead", ErrUsage)
	ErrEmptyKey      = fmt.Errorf("%w: empty key", ErrCapacity)
	ErrKeyTooLarge   = fmt.Errorf("%w: key too large", ErrCapacity)
	ErrValueTooLarge = fmt.Errorf("%w: entry does not fit in a page", ErrCapacity)
)

// ConsistencyError reports a structural violation found in a tree page.
type ConsistencyError struct {
	PageNo uint32
	Reason string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("tree page %d: %s", e.PageNo, e.Reason)
}

// Unwrap lets errors.Is match ErrConsistency.
func (e *ConsistencyError) Unwrap() error {
	return ErrConsistency
}

func inconsistent(pageNo uint32, format string, args ...any) error {
	return &ConsistencyError{PageNo: pageNo, Reason: fmt.Sprintf(format, args...)}
}
