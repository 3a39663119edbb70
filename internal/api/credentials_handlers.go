package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"streamgate/internal/credentials"
	"streamgate/internal/relay"
)

type setCookiesRequest struct {
	// Cookies accepts a Cookie-header string, a name→value object, or an
	// array of browser-export records.
	Cookies json.RawMessage `json:"cookies"`
}

type setCookiesResponse struct {
	Status        string `json:"status"`
	Applied       int    `json:"applied"`
	Authenticated bool   `json:"authenticated"`
	CookiesCount  int    `json:"cookies_count"`
	Source        string `json:"source,omitempty"`
}

// HandleSetCookies ingests a credential payload and swaps it in as the
// active set. An empty payload is acknowledged without touching the current
// generations, so a misfiring browser extension cannot wipe a working
// session.
func (h *Handler) HandleSetCookies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	if !h.requireOperator(w, r) {
		return
	}

	var req setCookiesRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	values, format, err := parseCookiesField(req.Cookies)
	if err != nil {
		WriteError(w, statusForError(err), err)
		return
	}

	source := credentials.SourceForFormat(format)
	applied := h.Credentials.Apply(values, source)
	if applied > 0 {
		h.recorder().ObserveCredentialEvent("applied")
		h.logger().Info("credentials applied", "count", applied, "source", string(source), "format", string(format))
	} else {
		h.logger().Info("empty credential payload ignored")
	}

	_, authenticated := h.Credentials.Snapshot()
	writeJSON(w, http.StatusOK, setCookiesResponse{
		Status:        "ok",
		Applied:       applied,
		Authenticated: authenticated,
		CookiesCount:  h.Credentials.Count(),
		Source:        string(source),
	})
}

// HandleTestCookies probes the origin playlist with a candidate payload
// without applying it, reporting whether the origin would accept it.
func (h *Handler) HandleTestCookies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	if !h.requireOperator(w, r) {
		return
	}

	var req setCookiesRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	values, _, err := parseCookiesField(req.Cookies)
	if err != nil {
		WriteError(w, statusForError(err), err)
		return
	}
	if len(values) == 0 {
		WriteError(w, http.StatusBadRequest, fmt.Errorf("no cookies to test"))
		return
	}

	status, err := h.Relay.TestCredentials(r.Context(), values)
	if err != nil {
		WriteError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"origin_status": status,
		"valid":         status >= 200 && status < 300,
		"cookies_count": len(values),
	})
}

// HandleExportCookies returns the active credential set so a second relay
// instance can be seeded from this one.
func (h *Handler) HandleExportCookies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	if !h.requireOperator(w, r) {
		return
	}

	active, ok := h.Credentials.Snapshot()
	if !ok {
		WriteError(w, statusForError(relay.ErrNotAuthenticated), relay.ErrNotAuthenticated)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cookies":       active.Values,
		"cookies_count": active.Count(),
		"applied_at":    active.AppliedAt,
		"source":        string(active.Source),
	})
}

type statusResponse struct {
	Authenticated    bool    `json:"authenticated"`
	CookiesCount     int     `json:"cookies_count"`
	CookiesAge       *string `json:"cookies_age"`
	CookiesAgeSecs   *int64  `json:"cookies_age_seconds"`
	CookiesHealth    string  `json:"cookies_health"`
	HasBackupCookies bool    `json:"has_backup_cookies"`
	ProxyURL         string  `json:"proxy_url"`
}

// HandleStatus reports the relay's credential posture without exposing any
// cookie values.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}

	_, authenticated := h.Credentials.Snapshot()
	resp := statusResponse{
		Authenticated:    authenticated,
		CookiesCount:     h.Credentials.Count(),
		CookiesHealth:    string(h.Credentials.Health()),
		HasBackupCookies: h.Credentials.HasBackup(),
		ProxyURL:         h.Relay.RelayBase() + "/live.m3u8",
	}
	if age, ok := h.Credentials.Age(); ok {
		formatted := age.Truncate(time.Second).String()
		seconds := int64(age.Seconds())
		resp.CookiesAge = &formatted
		resp.CookiesAgeSecs = &seconds
	}
	writeJSON(w, http.StatusOK, resp)
}

// parseCookiesField normalizes the polymorphic "cookies" field: JSON strings
// are unwrapped and sniffed as header text, while objects and arrays are
// passed through to the payload parser verbatim.
func parseCookiesField(raw json.RawMessage) (map[string]string, credentials.Format, error) {
	if len(raw) == 0 {
		return nil, "", fmt.Errorf("%w: cookies field is required", credentials.ErrMalformedPayload)
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return credentials.ParsePayload(asString)
	}
	return credentials.ParsePayload(string(raw))
}
