// pkg/voron/errors.go
package voron

import (
	"errors"
	"fmt"

	"voron/pkg/tree"
)

// Error categories, shared with package tree so errors.Is works across
// layers.
var (
	ErrUsage       = tree.ErrUsage
	ErrCapacity    = tree.ErrCapacity
	ErrConsistency = tree.ErrConsistency
)

// Errors surfaced by trees, re-exported for callers of this package.
var (
	ErrKeyNotFound   = tree.ErrKeyNotFound
	ErrReadOnly      = tree.ErrReadOnly
	ErrEmptyKey      = tree.ErrEmptyKey
	ErrKeyTooLarge   = tree.ErrKeyTooLarge
	ErrValueTooLarge = tree.ErrValueTooLarge
)

var (
	// ErrTreeNotFound is returned when a tree name is not in the catalog.
	ErrTreeNotFound = fmt.Errorf("%w: tree not found", ErrUsage)

	// ErrWriterActive is returned when a write transaction is requested
	// while another one is open.
	ErrWriterActive = fmt.Errorf("%w: another write transaction is active", ErrUsage)

	// ErrTxDone is returned when a transaction has already been committed or rolled back.
	ErrTxDone = fmt.Errorf("%w: transaction has already been committed or rolled back", ErrUsage)

	// ErrEnvironmentClosed is returned when using a disposed environment.
	ErrEnvironmentClosed = fmt.Errorf("%w: environment is closed", ErrUsage)

	// ErrInvalidTreeName is returned for empty or oversized tree names.
	ErrInvalidTreeName = fmt.Errorf("%w: invalid tree name", ErrUsage)

	// ErrEnvironmentLocked is returned when another process holds the
	// environment lock file.
	ErrEnvironmentLocked = errors.New("environment is locked by another process")
)
