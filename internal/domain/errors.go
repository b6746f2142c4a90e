package domain

import "errors"

// Error kinds surfaced by the integrity engine. Callers match them with
// errors.Is; implementations wrap them with context.
var (
	// ErrNotFound is returned for an unknown link, user, or flag.
	ErrNotFound = errors.New("not found")

	// ErrForbidden is returned when the caller's role may not perform the operation.
	ErrForbidden = errors.New("forbidden")

	// ErrCacheUnavailable is returned when the TTL store cannot be reached or
	// does not answer in time. Click tracking fails closed on it.
	ErrCacheUnavailable = errors.New("cache unavailable")

	// ErrInvalidResolution is returned for an unknown resolution literal, when
	// no OPEN flag exists, or when the targeted flag is already resolved.
	ErrInvalidResolution = errors.New("invalid resolution")

	// ErrLinkInactive is returned when a deactivated link is tracked.
	ErrLinkInactive = errors.New("link inactive")

	// ErrInvalidRequest is returned for malformed input.
	ErrInvalidRequest = errors.New("invalid request")
)
