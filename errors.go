package credstore

import "errors"

var (
	// ErrNotFound marks an operation whose target entity is absent.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists marks a create on an entity that already has an id.
	ErrAlreadyExists = errors.New("already exists")

	// ErrConflict marks a unique-constraint violation, such as binding a
	// (provider, key) login that belongs to another user.
	ErrConflict = errors.New("conflict")

	// ErrInvalidArgument marks an empty or malformed required field,
	// detected before any backing-store call.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrStorageUnavailable marks a backing-store connectivity or timeout
	// failure. Callers may retry.
	ErrStorageUnavailable = errors.New("storage unavailable")
)
