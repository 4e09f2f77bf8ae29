package chain

import (
	"errors"
	"fmt"
)

// ErrBlockExists is returned when a block at the same height is already in
// the chain.
var ErrBlockExists = errors.New("block already exists at height")

// InvalidBlockError reports a block rejected at the validation boundary.
// Structural and conservation failures are never retried.
type InvalidBlockError struct {
	Reason string
}

func (e *InvalidBlockError) Error() string {
	return fmt.Sprintf("invalid block: %s", e.Reason)
}

func invalidBlock(format string, args ...interface{}) error {
	return &InvalidBlockError{Reason: fmt.Sprintf(format, args...)}
}

// SnapshotError reports a snapshot persistence failure after a block was
// committed to the block store. The block stays in the chain but must not
// be reported as finalized; the caller must not clean the mempool.
type SnapshotError struct {
	Height uint64
	Err    error
}

func (e *SnapshotError) Error() string {
	return fmt.Sprintf("snapshot persistence failed at height %d: %v", e.Height, e.Err)
}

func (e *SnapshotError) Unwrap() error { return e.Err }
