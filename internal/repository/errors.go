package repository

import "errors"

// Repository errors. Services translate these for their callers.
var (
	// ErrVersionNotFound means no form version exists for the given key.
	ErrVersionNotFound = errors.New("form version not found")
	// ErrStaleRevision means a concurrent writer won the race; the caller
	// must reload and retry with the fresh revision.
	ErrStaleRevision = errors.New("stale revision")
	// ErrVersionConflict means version-id allocation raced and the bounded
	// internal retries were exhausted.
	ErrVersionConflict = errors.New("version id allocation conflict")
)
