package repositories

import "errors"

// Sentinel errors returned by repository implementations.
// Callers should use errors.Is for comparison.
var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("repositories: record not found")

	// ErrDuplicate is returned when a uniqueness constraint is violated,
	// e.g. two models with the same (owner, name).
	ErrDuplicate = errors.New("repositories: duplicate record")

	// ErrIllegalTransition is returned by TransitionStatus when the requested
	// status edge violates the lifecycle rules.
	ErrIllegalTransition = errors.New("repositories: illegal status transition")
)
