package store

import "errors"

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a record with the same id already exists.
	ErrAlreadyExists = errors.New("already exists")

	// ErrUnavailable indicates the backing files could not be read or
	// written. Callers map this to a task error or an internal RPC error.
	ErrUnavailable = errors.New("store unavailable")
)
