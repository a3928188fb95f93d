// Package xerr holds the sentinel error kinds shared across the engine
// (spec.md §7): already-exists, not-found, no-such-device, out-of-memory,
// permission-denied, not-a-directory, not-supported, invalid-argument,
// already-in-state, io-error.
package xerr

import "errors"

var (
	ErrAlreadyExists    = errors.New("already-exists")
	ErrNotFound         = errors.New("not-found")
	ErrNoSuchDevice     = errors.New("no-such-device")
	ErrOutOfMemory      = errors.New("out-of-memory")
	ErrPermissionDenied = errors.New("permission-denied")
	ErrNotADirectory    = errors.New("not-a-directory")
	ErrNotSupported     = errors.New("not-supported")
	ErrInvalidArgument  = errors.New("invalid-argument")
	ErrAlreadyInState   = errors.New("already-in-state")
	ErrIOError          = errors.New("io-error")
)
