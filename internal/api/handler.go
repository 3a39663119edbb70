package api

import (
	"errors"
	"log/slog"
	"net/http"

	"streamgate/internal/credentials"
	"streamgate/internal/observability/metrics"
	"streamgate/internal/relay"
)

// Handler exposes the relay and credential endpoints over HTTP.
type Handler struct {
	Relay       *relay.Service
	Credentials *credentials.Store
	Logger      *slog.Logger
	Metrics     *metrics.Recorder

	// OperatorTokenDigest is the hex SHA-256 of the bearer token required on
	// credential and proxy endpoints. Empty disables operator auth.
	OperatorTokenDigest string
}

// NewHandler builds a Handler with defaulted observability dependencies.
func NewHandler(service *relay.Service, store *credentials.Store) *Handler {
	return &Handler{
		Relay:       service,
		Credentials: store,
		Logger:      slog.Default(),
		Metrics:     metrics.Default(),
	}
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func (h *Handler) recorder() *metrics.Recorder {
	if h.Metrics == nil {
		return metrics.Default()
	}
	return h.Metrics
}

// statusForError maps the relay and credential error taxonomy onto HTTP
// status codes. Viewer-facing upstream failures are 502 so players treat
// them as transient.
func statusForError(err error) int {
	switch {
	case errors.Is(err, relay.ErrNotAuthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, relay.ErrInvalidTarget):
		return http.StatusBadRequest
	case errors.Is(err, credentials.ErrMalformedPayload):
		return http.StatusBadRequest
	case errors.Is(err, relay.ErrUpstreamAuth):
		return http.StatusBadGateway
	case errors.Is(err, relay.ErrUpstreamUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
