package relay

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"streamgate/internal/credentials"
	"streamgate/internal/observability/metrics"
	"streamgate/internal/testsupport/originstub"
)

func newTestService(t *testing.T, origin *originstub.Server, store *credentials.Store) *Service {
	t.Helper()
	client := NewClient(ClientConfig{RequestTimeout: 5 * time.Second})
	service, err := NewService(store, client, ServiceConfig{
		ManifestURL: origin.ManifestURL(),
		RelayBase:   "https://relay.example/stream",
		Metrics:     metrics.New(),
	})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	return service
}

func TestManifestRequiresCredentials(t *testing.T) {
	origin := originstub.Start(originstub.Options{Manifest: "#EXTM3U\nseg0.ts\n"})
	defer origin.Close()

	service := newTestService(t, origin, credentials.NewStore())

	_, err := service.Manifest(context.Background())
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestManifestRewritesAgainstRelayBase(t *testing.T) {
	origin := originstub.Start(originstub.Options{
		Manifest:     "#EXTM3U\nseg0.ts\nseg1.ts\n",
		ValidCookies: map[string]string{"session": "alpha"},
	})
	defer origin.Close()

	store := credentials.NewStore()
	store.Apply(map[string]string{"session": "alpha"}, credentials.SourceManual)
	service := newTestService(t, origin, store)

	payload, err := service.Manifest(context.Background())
	if err != nil {
		t.Fatalf("Manifest failed: %v", err)
	}
	if payload.ContentType != ManifestContentType {
		t.Fatalf("unexpected content type %q", payload.ContentType)
	}
	expected := "https://relay.example/stream/segment?url=" + url.QueryEscape(origin.BaseURL()+"/live/seg0.ts")
	if !strings.Contains(string(payload.Body), expected) {
		t.Fatalf("expected %q in manifest, got:\n%s", expected, payload.Body)
	}
}

func TestFetchFallsBackToBackupAndRollsBack(t *testing.T) {
	origin := originstub.Start(originstub.Options{
		Manifest:     "#EXTM3U\nseg0.ts\n",
		ValidCookies: map[string]string{"session": "old"},
	})
	defer origin.Close()

	store := credentials.NewStore()
	store.Apply(map[string]string{"session": "old"}, credentials.SourceManual)
	// A bad capture lands, demoting the working set to backup.
	store.Apply(map[string]string{"session": "broken"}, credentials.SourceManual)
	service := newTestService(t, origin, store)

	payload, err := service.Manifest(context.Background())
	if err != nil {
		t.Fatalf("expected backup fallback to succeed, got %v", err)
	}
	if len(payload.Body) == 0 {
		t.Fatal("expected manifest body after fallback")
	}

	active, ok := store.Snapshot()
	if !ok {
		t.Fatal("store should remain authenticated after rollback")
	}
	if active.Values["session"] != "old" {
		t.Fatalf("expected rollback to promote the working set, got %v", active.Values)
	}
	if store.HasBackup() {
		t.Fatal("rollback should consume the backup slot")
	}
}

func TestFetchFailsWhenBothGenerationsRejected(t *testing.T) {
	origin := originstub.Start(originstub.Options{
		Manifest:     "#EXTM3U\nseg0.ts\n",
		ValidCookies: map[string]string{"session": "future"},
	})
	defer origin.Close()

	store := credentials.NewStore()
	store.Apply(map[string]string{"session": "first"}, credentials.SourceManual)
	store.Apply(map[string]string{"session": "second"}, credentials.SourceManual)
	service := newTestService(t, origin, store)

	_, err := service.Manifest(context.Background())
	if !errors.Is(err, ErrUpstreamAuth) {
		t.Fatalf("expected ErrUpstreamAuth, got %v", err)
	}

	active, ok := store.Snapshot()
	if !ok || active.Values["session"] != "second" {
		t.Fatalf("failed fallback must not change the active set, got %v ok=%v", active.Values, ok)
	}
	if !store.HasBackup() {
		t.Fatal("failed fallback must not consume the backup slot")
	}
}

func TestFetchSkipsBackupIdenticalToActive(t *testing.T) {
	origin := originstub.Start(originstub.Options{
		Manifest:     "#EXTM3U\nseg0.ts\n",
		ValidCookies: map[string]string{"session": "future"},
	})
	defer origin.Close()

	// Applying the same pairs twice leaves a backup that is a copy of the
	// active set. Retrying with it would only repeat the rejection.
	store := credentials.NewStore()
	store.Apply(map[string]string{"session": "dead"}, credentials.SourceManual)
	store.Apply(map[string]string{"session": "dead"}, credentials.SourceManual)
	service := newTestService(t, origin, store)

	_, err := service.Manifest(context.Background())
	if !errors.Is(err, ErrUpstreamAuth) {
		t.Fatalf("expected ErrUpstreamAuth, got %v", err)
	}
	if got := len(origin.Requests()); got != 1 {
		t.Fatalf("identical backup must not be retried: expected 1 origin fetch, got %d", got)
	}
	if !store.HasBackup() {
		t.Fatal("skipped retry must leave the backup slot alone")
	}
}

func TestResourceServesRawSegments(t *testing.T) {
	segment := []byte{0x47, 0x00, 0x11, 0x22}
	origin := originstub.Start(originstub.Options{
		Manifest: "#EXTM3U\nseg0.ts\n",
		Segments: map[string][]byte{"/live/seg0.ts": segment},
	})
	defer origin.Close()

	store := credentials.NewStore()
	store.Apply(map[string]string{"session": "alpha"}, credentials.SourceManual)
	service := newTestService(t, origin, store)

	payload, err := service.Resource(context.Background(), origin.BaseURL()+"/live/seg0.ts")
	if err != nil {
		t.Fatalf("Resource failed: %v", err)
	}
	if payload.ContentType != SegmentContentType {
		t.Fatalf("unexpected content type %q", payload.ContentType)
	}
	if string(payload.Body) != string(segment) {
		t.Fatalf("segment bytes altered: got %v want %v", payload.Body, segment)
	}
}

func TestResourceRewritesNestedPlaylists(t *testing.T) {
	origin := originstub.Start(originstub.Options{
		ManifestPath: "/live/low/index.m3u8",
		Manifest:     "#EXTM3U\nchunk0.ts\n",
	})
	defer origin.Close()

	store := credentials.NewStore()
	store.Apply(map[string]string{"session": "alpha"}, credentials.SourceManual)
	service := newTestService(t, origin, store)

	payload, err := service.Resource(context.Background(), origin.ManifestURL())
	if err != nil {
		t.Fatalf("Resource failed: %v", err)
	}
	expected := url.QueryEscape(origin.BaseURL() + "/live/low/chunk0.ts")
	if !strings.Contains(string(payload.Body), expected) {
		t.Fatalf("nested playlist should be rewritten, got:\n%s", payload.Body)
	}
}

func TestResourceRejectsNonHTTPTargets(t *testing.T) {
	origin := originstub.Start(originstub.Options{Manifest: "#EXTM3U\n"})
	defer origin.Close()

	store := credentials.NewStore()
	store.Apply(map[string]string{"session": "alpha"}, credentials.SourceManual)
	service := newTestService(t, origin, store)

	for _, target := range []string{"ftp://origin.example/seg.ts", "not a url", "", "/relative/seg.ts"} {
		if _, err := service.Resource(context.Background(), target); !errors.Is(err, ErrInvalidTarget) {
			t.Fatalf("target %q: expected ErrInvalidTarget, got %v", target, err)
		}
	}
}

func TestResolvePathJoinsOriginBase(t *testing.T) {
	segment := []byte("media")
	origin := originstub.Start(originstub.Options{
		Manifest: "#EXTM3U\n",
		Segments: map[string][]byte{"/live/hd/seg7.ts": segment},
	})
	defer origin.Close()

	store := credentials.NewStore()
	store.Apply(map[string]string{"session": "alpha"}, credentials.SourceManual)
	service := newTestService(t, origin, store)

	payload, err := service.ResolvePath(context.Background(), "hd/seg7.ts")
	if err != nil {
		t.Fatalf("ResolvePath failed: %v", err)
	}
	if string(payload.Body) != "media" {
		t.Fatalf("unexpected body %q", payload.Body)
	}

	if _, err := service.ResolvePath(context.Background(), "  "); !errors.Is(err, ErrInvalidTarget) {
		t.Fatalf("empty path should be rejected, got %v", err)
	}
}

func TestTestCredentialsDoesNotTouchStore(t *testing.T) {
	origin := originstub.Start(originstub.Options{
		Manifest:     "#EXTM3U\n",
		ValidCookies: map[string]string{"session": "good"},
	})
	defer origin.Close()

	store := credentials.NewStore()
	store.Apply(map[string]string{"session": "active"}, credentials.SourceManual)
	service := newTestService(t, origin, store)

	status, err := service.TestCredentials(context.Background(), map[string]string{"session": "good"})
	if err != nil {
		t.Fatalf("TestCredentials failed: %v", err)
	}
	if status != 200 {
		t.Fatalf("expected 200 for a valid probe, got %d", status)
	}

	status, err = service.TestCredentials(context.Background(), map[string]string{"session": "bad"})
	if err != nil {
		t.Fatalf("TestCredentials failed: %v", err)
	}
	if status != 403 {
		t.Fatalf("expected 403 for a rejected probe, got %d", status)
	}

	active, _ := store.Snapshot()
	if active.Values["session"] != "active" {
		t.Fatalf("probe must not modify stored credentials, got %v", active.Values)
	}
}

func TestUnreachableOriginMapsToUnavailable(t *testing.T) {
	origin := originstub.Start(originstub.Options{Manifest: "#EXTM3U\n"})
	manifestURL := origin.ManifestURL()
	origin.Close()

	store := credentials.NewStore()
	store.Apply(map[string]string{"session": "alpha"}, credentials.SourceManual)
	client := NewClient(ClientConfig{RequestTimeout: time.Second})
	service, err := NewService(store, client, ServiceConfig{
		ManifestURL: manifestURL,
		RelayBase:   "https://relay.example/stream",
		Metrics:     metrics.New(),
	})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	_, err = service.Manifest(context.Background())
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
	if store.HasBackup() {
		t.Fatal("transport errors must never consume credential generations")
	}
}

func TestNewServiceValidatesConfig(t *testing.T) {
	store := credentials.NewStore()
	client := NewClient(ClientConfig{})

	cases := []struct {
		name string
		cfg  ServiceConfig
	}{
		{"missing manifest", ServiceConfig{RelayBase: "https://relay.example/stream"}},
		{"relative manifest", ServiceConfig{ManifestURL: "/live/index.m3u8", RelayBase: "https://relay.example/stream"}},
		{"missing relay base", ServiceConfig{ManifestURL: "https://origin.example/live/index.m3u8"}},
		{"bad scheme", ServiceConfig{ManifestURL: "rtmp://origin.example/live", RelayBase: "https://relay.example/stream"}},
	}
	for _, tc := range cases {
		if _, err := NewService(store, client, tc.cfg); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
	if _, err := NewService(nil, client, ServiceConfig{ManifestURL: "https://origin.example/a.m3u8", RelayBase: "https://relay.example/stream"}); err == nil {
		t.Fatal("nil store should be rejected")
	}
	if _, err := NewService(store, nil, ServiceConfig{ManifestURL: "https://origin.example/a.m3u8", RelayBase: "https://relay.example/stream"}); err == nil {
		t.Fatal("nil client should be rejected")
	}
}
