package types

import "errors"

// Error taxonomy. Components return these sentinels (usually wrapped with
// context via fmt.Errorf and %w); the API layer maps them to HTTP statuses.
// Evidence, stack traces and internal paths never reach clients.
var (
	// Authentication
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrExpiredToken       = errors.New("expired token")

	// Authorization
	ErrForbidden = errors.New("forbidden")

	// Admission
	ErrRateLimited = errors.New("rate limited")
	ErrQueueFull   = errors.New("queue full")

	// Validation
	ErrBadRequest    = errors.New("bad request")
	ErrSpecTooLarge  = errors.New("spec too large")
	ErrSpecMalformed = errors.New("spec malformed")
	ErrSpecUnsafe    = errors.New("spec unsafe")
	ErrUnsafeTarget  = errors.New("unsafe target")
	ErrFetchFailed   = errors.New("fetch failed")

	// Lifecycle
	ErrNotFound = errors.New("not found")
	ErrNotReady = errors.New("not ready")
	ErrConflict = errors.New("conflict")

	// Worker
	ErrWorkerTimeout     = errors.New("worker timeout")
	ErrWorkerCrashed     = errors.New("worker crashed")
	ErrWorkerUnavailable = errors.New("worker unavailable")

	// System
	ErrInternal = errors.New("internal error")
)
