package api

import (
	"fmt"
	"net/http"
	"strings"

	"streamgate/internal/relay"
)

// writeResource sends a relayed origin payload. Segments are immutable once
// published and safe to cache; anything playlist-shaped is not.
func writeResource(w http.ResponseWriter, payload relay.Payload) {
	w.Header().Set("Content-Type", payload.ContentType)
	if payload.ContentType == relay.ManifestContentType {
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	} else {
		w.Header().Set("Cache-Control", "public, max-age=3600")
	}
	_, _ = w.Write(payload.Body)
}

// HandleManifest serves the rewritten playlist viewers poll every few
// seconds. Playlists must never be cached, or viewers replay a stale segment
// window.
func (h *Handler) HandleManifest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	payload, err := h.Relay.Manifest(r.Context())
	if err != nil {
		h.logger().Error("manifest relay failed", "error", err)
		WriteError(w, statusForError(err), err)
		return
	}
	w.Header().Set("Content-Type", payload.ContentType)
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	_, _ = w.Write(payload.Body)
}

// HandleSegment serves /stream/segment?url= requests produced by the
// manifest rewrite. The url parameter carries the absolute origin address.
func (h *Handler) HandleSegment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	target := r.URL.Query().Get("url")
	if strings.TrimSpace(target) == "" {
		WriteError(w, http.StatusBadRequest, fmt.Errorf("url parameter is required"))
		return
	}
	payload, err := h.Relay.Resource(r.Context(), target)
	if err != nil {
		h.logger().Debug("segment relay failed", "target", target, "error", err)
		WriteError(w, statusForError(err), err)
		return
	}
	writeResource(w, payload)
}

// HandleSegmentPath serves /stream/segment/{path} requests where the path is
// resolved against the configured origin base. Players that ignore the query
// form and request sibling paths directly land here.
func (h *Handler) HandleSegmentPath(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/stream/segment/")
	payload, err := h.Relay.ResolvePath(r.Context(), path)
	if err != nil {
		h.logger().Debug("segment path relay failed", "path", path, "error", err)
		WriteError(w, statusForError(err), err)
		return
	}
	writeResource(w, payload)
}

// HandleProxy relays an arbitrary origin URL with the active credentials so
// an operator can inspect raw origin responses through the relay's session.
func (h *Handler) HandleProxy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	if !h.requireOperator(w, r) {
		return
	}
	target := r.URL.Query().Get("url")
	if strings.TrimSpace(target) == "" {
		WriteError(w, http.StatusBadRequest, fmt.Errorf("url parameter is required"))
		return
	}
	payload, err := h.Relay.Passthrough(r.Context(), target)
	if err != nil {
		h.logger().Error("proxy relay failed", "target", target, "error", err)
		WriteError(w, statusForError(err), err)
		return
	}
	w.Header().Set("Content-Type", payload.ContentType)
	_, _ = w.Write(payload.Body)
}

// HandleHealth reports process liveness. It deliberately does not probe the
// origin, since a dead origin should not restart the relay.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		WriteError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
