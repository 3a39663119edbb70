// Package originstub provides an in-process HLS origin for exercising the
// relay's fetch, rewrite, and credential fallback paths without a real
// upstream.
package originstub

import (
	"net/http"
	"net/http/httptest"
	"sync"
)

// Options configures the stub origin.
type Options struct {
	// ManifestPath is the playlist route. Defaults to /live/index.m3u8.
	ManifestPath string
	// Manifest is the playlist body served at ManifestPath.
	Manifest string
	// Segments maps request paths to media bodies.
	Segments map[string][]byte
	// ValidCookies lists the cookie pairs a request must carry to be
	// accepted. Empty means every request is accepted.
	ValidCookies map[string]string
	// RejectStatus is returned when cookie validation fails. Defaults to 403.
	RejectStatus int
}

// Server is a stub HLS origin backed by httptest.
type Server struct {
	httpServer *httptest.Server

	mu           sync.Mutex
	manifestPath string
	manifest     string
	segments     map[string][]byte
	validCookies map[string]string
	rejectStatus int
	requests     []string
}

// Start launches the stub origin. Callers must Close it.
func Start(opts Options) *Server {
	manifestPath := opts.ManifestPath
	if manifestPath == "" {
		manifestPath = "/live/index.m3u8"
	}
	rejectStatus := opts.RejectStatus
	if rejectStatus == 0 {
		rejectStatus = http.StatusForbidden
	}
	segments := make(map[string][]byte, len(opts.Segments))
	for path, body := range opts.Segments {
		segments[path] = body
	}
	validCookies := make(map[string]string, len(opts.ValidCookies))
	for name, value := range opts.ValidCookies {
		validCookies[name] = value
	}

	server := &Server{
		manifestPath: manifestPath,
		manifest:     opts.Manifest,
		segments:     segments,
		validCookies: validCookies,
		rejectStatus: rejectStatus,
	}
	server.httpServer = httptest.NewServer(http.HandlerFunc(server.handle))
	return server
}

// Close shuts the stub down.
func (s *Server) Close() {
	s.httpServer.Close()
}

// BaseURL returns the stub's address without a trailing slash.
func (s *Server) BaseURL() string {
	return s.httpServer.URL
}

// ManifestURL returns the absolute playlist address.
func (s *Server) ManifestURL() string {
	return s.httpServer.URL + s.manifestPath
}

// SetValidCookies swaps the accepted cookie pairs, simulating the origin
// expiring one session and honouring another.
func (s *Server) SetValidCookies(cookies map[string]string) {
	replacement := make(map[string]string, len(cookies))
	for name, value := range cookies {
		replacement[name] = value
	}
	s.mu.Lock()
	s.validCookies = replacement
	s.mu.Unlock()
}

// SetManifest replaces the playlist body served at the manifest path.
func (s *Server) SetManifest(manifest string) {
	s.mu.Lock()
	s.manifest = manifest
	s.mu.Unlock()
}

// Requests returns the paths served so far, in order.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := make([]string, len(s.requests))
	copy(copied, s.requests)
	return copied
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, r.URL.Path)
	manifestPath := s.manifestPath
	manifest := s.manifest
	segment, hasSegment := s.segments[r.URL.Path]
	accepted := s.cookiesAcceptedLocked(r)
	rejectStatus := s.rejectStatus
	s.mu.Unlock()

	if !accepted {
		http.Error(w, "session rejected", rejectStatus)
		return
	}
	switch {
	case r.URL.Path == manifestPath:
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		_, _ = w.Write([]byte(manifest))
	case hasSegment:
		w.Header().Set("Content-Type", "video/MP2T")
		_, _ = w.Write(segment)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) cookiesAcceptedLocked(r *http.Request) bool {
	if len(s.validCookies) == 0 {
		return true
	}
	for name, value := range s.validCookies {
		cookie, err := r.Cookie(name)
		if err != nil || cookie.Value != value {
			return false
		}
	}
	return true
}
