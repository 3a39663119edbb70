package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"streamgate/internal/api"
	"streamgate/internal/credentials"
	"streamgate/internal/observability/metrics"
	"streamgate/internal/relay"
	"streamgate/internal/testsupport/originstub"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *credentials.Store, *originstub.Server) {
	t.Helper()
	origin := originstub.Start(originstub.Options{Manifest: "#EXTM3U\nseg0.ts\n"})
	t.Cleanup(origin.Close)

	store := credentials.NewStore()
	client := relay.NewClient(relay.ClientConfig{RequestTimeout: 5 * time.Second})
	service, err := relay.NewService(store, client, relay.ServiceConfig{
		ManifestURL: origin.ManifestURL(),
		RelayBase:   "https://relay.example/stream",
		Metrics:     metrics.New(),
	})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	handler := api.NewHandler(service, store)
	handler.Metrics = metrics.New()

	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	srv, err := New(handler, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return srv, store, origin
}

func TestServerRoutesAreWired(t *testing.T) {
	srv, store, _ := newTestServer(t, Config{})
	store.Apply(map[string]string{"session": "alpha"}, credentials.SourceManual)
	chain := srv.Handler()

	cases := []struct {
		method string
		path   string
		status int
	}{
		{http.MethodGet, "/healthz", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodGet, "/stream/status", http.StatusOK},
		{http.MethodGet, "/stream/live.m3u8", http.StatusOK},
		{http.MethodGet, "/stream/segment", http.StatusBadRequest},
		{http.MethodGet, "/stream/export-cookies", http.StatusOK},
		{http.MethodGet, "/unknown", http.StatusNotFound},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		chain.ServeHTTP(rr, httptest.NewRequest(tc.method, tc.path, nil))
		if rr.Code != tc.status {
			t.Fatalf("%s %s: expected %d, got %d (%s)", tc.method, tc.path, tc.status, rr.Code, rr.Body.String())
		}
	}
}

func TestServerAppliesSecurityHeadersAndRequestID(t *testing.T) {
	srv, _, _ := newTestServer(t, Config{})
	chain := srv.Handler()

	rr := httptest.NewRecorder()
	chain.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rr.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("expected nosniff header, got %q", rr.Header().Get("X-Content-Type-Options"))
	}
	if rr.Header().Get("Content-Security-Policy") == "" {
		t.Fatal("expected a content security policy header")
	}
	if rr.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected a generated request id header")
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "incoming-id")
	rr = httptest.NewRecorder()
	chain.ServeHTTP(rr, req)
	if rr.Header().Get("X-Request-Id") != "incoming-id" {
		t.Fatalf("expected incoming request id to be preserved, got %q", rr.Header().Get("X-Request-Id"))
	}
}

func TestServerGlobalRateLimit(t *testing.T) {
	srv, _, _ := newTestServer(t, Config{
		RateLimit: RateLimitConfig{GlobalRPS: 0.001, GlobalBurst: 1},
	})
	chain := srv.Handler()

	rr := httptest.NewRecorder()
	chain.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	chain.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second request should be limited, got %d", rr.Code)
	}
}

func TestServerIngestRateLimit(t *testing.T) {
	srv, _, _ := newTestServer(t, Config{
		RateLimit: RateLimitConfig{IngestLimit: 1, IngestWindow: time.Minute},
	})
	chain := srv.Handler()

	post := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/stream/set-cookies", strings.NewReader(`{"cookies": "a=1"}`))
		req.RemoteAddr = "10.1.2.3:4444"
		rr := httptest.NewRecorder()
		chain.ServeHTTP(rr, req)
		return rr
	}

	if rr := post(); rr.Code != http.StatusOK {
		t.Fatalf("first ingest should pass, got %d: %s", rr.Code, rr.Body.String())
	}
	rr := post()
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second ingest should be limited, got %d", rr.Code)
	}

	// Reads are unaffected by the ingest limit.
	getRR := httptest.NewRecorder()
	chain.ServeHTTP(getRR, httptest.NewRequest(http.MethodGet, "/stream/status", nil))
	if getRR.Code != http.StatusOK {
		t.Fatalf("status read should pass, got %d", getRR.Code)
	}
}

func TestServerCORSAllowAll(t *testing.T) {
	srv, _, _ := newTestServer(t, Config{
		CORS: CORSConfig{AllowedOrigins: []string{"*"}},
	})
	chain := srv.Handler()

	req := httptest.NewRequest(http.MethodGet, "/stream/status", nil)
	req.Header.Set("Origin", "https://player.example")
	rr := httptest.NewRecorder()
	chain.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("expected wildcard allow origin, got %q", rr.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestServerCORSAllowlistBlocksUnknownOrigins(t *testing.T) {
	srv, _, _ := newTestServer(t, Config{
		CORS: CORSConfig{AllowedOrigins: []string{"https://player.example"}},
	})
	chain := srv.Handler()

	req := httptest.NewRequest(http.MethodGet, "/stream/status", nil)
	req.Header.Set("Origin", "https://evil.example")
	rr := httptest.NewRecorder()
	chain.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for blocked origin, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/stream/status", nil)
	req.Header.Set("Origin", "https://player.example")
	rr = httptest.NewRecorder()
	chain.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for allowed origin, got %d", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "https://player.example" {
		t.Fatalf("expected echoed origin, got %q", rr.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestServerCORSPreflight(t *testing.T) {
	srv, _, _ := newTestServer(t, Config{
		CORS: CORSConfig{AllowedOrigins: []string{"*"}},
	})
	chain := srv.Handler()

	req := httptest.NewRequest(http.MethodOptions, "/stream/set-cookies", nil)
	req.Header.Set("Origin", "https://dashboard.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	chain.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204 preflight, got %d", rr.Code)
	}
	if !strings.Contains(rr.Header().Get("Access-Control-Allow-Methods"), "POST") {
		t.Fatalf("expected POST in allow methods, got %q", rr.Header().Get("Access-Control-Allow-Methods"))
	}
}

func TestNewRejectsInvalidCORSOrigin(t *testing.T) {
	origin := originstub.Start(originstub.Options{Manifest: "#EXTM3U\n"})
	defer origin.Close()

	store := credentials.NewStore()
	client := relay.NewClient(relay.ClientConfig{})
	service, err := relay.NewService(store, client, relay.ServiceConfig{
		ManifestURL: origin.ManifestURL(),
		RelayBase:   "https://relay.example/stream",
		Metrics:     metrics.New(),
	})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	handler := api.NewHandler(service, store)

	if _, err := New(handler, Config{CORS: CORSConfig{AllowedOrigins: []string{"missing-scheme"}}}); err == nil {
		t.Fatal("expected error for origin without scheme")
	}
}
