// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across gateway/session/interaction layers.
var (
	// ErrNotFound indicates the requested document does not exist (yet).
	ErrNotFound = errors.New("not found")

	// ErrTransient indicates a network or backend failure that is safe to retry with backoff.
	ErrTransient = errors.New("transient failure")

	// ErrPermission indicates the remote store rejected the operation permanently.
	ErrPermission = errors.New("permission denied")

	// ErrValidation indicates caller misuse (e.g. toggling without an authenticated actor).
	ErrValidation = errors.New("validation")

	// ErrUnauthorized indicates failed authentication.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates temporary sign-in lock due to rate limiting.
	ErrRateLimited = errors.New("rate limited")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., email taken).
	ErrAlreadyExists = errors.New("already exists")

	// ErrClosed indicates use of a component after Close.
	ErrClosed = errors.New("closed")
)

// Retryable reports whether err may clear up on its own: not-found during propagation
// and transient network failures.
func Retryable(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrTransient)
}
