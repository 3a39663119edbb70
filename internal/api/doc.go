// Package api hosts HTTP handlers that front the stream relay.
//
// The handlers assembled by Handler coordinate request validation and
// response shaping while delegating origin fetches and manifest rewriting to
// relay.Service and credential lifecycle management to credentials.Store
// instances injected at construction time. The package does not reach for
// globals or singletons and expects callers to supply fully configured
// dependencies.
//
// Handler implementations assume upstream middleware from internal/server has
// already enforced rate limiting, metrics, and logging concerns. New routes
// should preserve that contract by avoiding duplicate validation and by
// leaning on the middleware guarantees established in the server stack.
package api
