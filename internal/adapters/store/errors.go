package store

import "errors"

// Sentinel kinds for store errors.
var (
	ErrNotFound         = errors.New("record not found")
	ErrUnknownPartition = errors.New("unknown partition")
	ErrUnknownBackend   = errors.New("unknown store backend")
)
