package app

import "errors"

var (
	// ErrEmptyID reports a scan or lookup with a missing participant id.
	ErrEmptyID = errors.New("participant id must not be empty")

	// ErrSelfScan reports a participant scanning their own badge.
	ErrSelfScan = errors.New("self scans award no points")

	// ErrBackupDisabled reports a snapshot request without a configured
	// backup database.
	ErrBackupDisabled = errors.New("backup is not configured")
)
