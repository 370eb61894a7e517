package batch

import "errors"

var (
	// ErrLockHeld reports that another processor currently owns the batch.
	ErrLockHeld = errors.New("batch lock held by another processor")
)
