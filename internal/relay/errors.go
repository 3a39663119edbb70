package relay

import "errors"

var (
	// ErrNotAuthenticated is returned before any credential set has been
	// applied to the store.
	ErrNotAuthenticated = errors.New("not authenticated: no credential set applied")

	// ErrUpstreamAuth is returned when the origin rejected both the active
	// and the backup credential sets. Only a fresh credential push recovers.
	ErrUpstreamAuth = errors.New("origin rejected active and backup credentials")

	// ErrUpstreamUnavailable covers network errors, timeouts, and non-auth
	// HTTP failures from the origin.
	ErrUpstreamUnavailable = errors.New("origin unavailable")

	// ErrInvalidTarget is returned for proxy targets that are not
	// well-formed absolute HTTP URLs.
	ErrInvalidTarget = errors.New("invalid proxy target")
)
