package store

import "errors"

var (
	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates the resource already exists (unique constraint).
	ErrAlreadyExists = errors.New("already exists")

	// ErrConflict indicates the operation would break a reference between
	// entities (e.g. deleting a namespace that endpoints still serve).
	ErrConflict = errors.New("conflict")
)
