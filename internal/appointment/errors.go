package appointment

import "errors"

var (
	// ErrValidation covers malformed or missing input; the caller can fix
	// the request and retry.
	ErrValidation = errors.New("validation failed")

	// ErrForbidden is an authorization denial. Not retryable for the same
	// actor.
	ErrForbidden = errors.New("actor not allowed to perform this transition")

	// ErrInvalidTransition means the target status is not reachable from
	// the current one. Not retryable.
	ErrInvalidTransition = errors.New("invalid status transition")
)
