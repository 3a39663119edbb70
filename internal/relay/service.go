package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"streamgate/internal/credentials"
	"streamgate/internal/observability/metrics"
)

const (
	// ManifestContentType is served for every playlist response regardless of
	// what the origin labelled it.
	ManifestContentType = "application/vnd.apple.mpegurl"
	// SegmentContentType is the fallback when the origin omits a content type
	// on media responses.
	SegmentContentType = "video/MP2T"

	defaultMaxSegmentFetches = 32
)

// ServiceConfig wires a Service to its origin and its public address.
type ServiceConfig struct {
	// ManifestURL is the absolute origin playlist address viewers are
	// ultimately watching.
	ManifestURL string
	// OriginBase resolves relative segment paths. Defaults to the manifest
	// URL's directory.
	OriginBase string
	// RelayBase is the absolute public prefix rewritten references point at,
	// e.g. "https://relay.example/stream".
	RelayBase string
	// MaxSegmentFetches bounds concurrent media fetches against the origin.
	MaxSegmentFetches int

	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Payload is a relayed response body with its outgoing content type.
type Payload struct {
	Body        []byte
	ContentType string
}

// Service fetches origin resources with the currently active credentials,
// falling back to the previous set on an explicit rejection, and rewrites
// playlists so every reference routes back through the relay. Concurrent
// requests for the same playlist are collapsed into one origin fetch.
type Service struct {
	store  *credentials.Store
	client *Client

	manifestURL *url.URL
	originBase  *url.URL
	relayBase   string

	group   singleflight.Group
	fetches *semaphore.Weighted

	logger  *slog.Logger
	metrics *metrics.Recorder
}

// NewService validates the configured URLs and returns a ready Service.
func NewService(store *credentials.Store, client *Client, cfg ServiceConfig) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("relay: credential store is required")
	}
	if client == nil {
		return nil, fmt.Errorf("relay: origin client is required")
	}
	manifestURL, err := parseAbsoluteURL(cfg.ManifestURL)
	if err != nil {
		return nil, fmt.Errorf("relay: manifest url: %w", err)
	}
	relayBase := strings.TrimRight(strings.TrimSpace(cfg.RelayBase), "/")
	if _, err := parseAbsoluteURL(relayBase); err != nil {
		return nil, fmt.Errorf("relay: relay base url: %w", err)
	}

	originBase := cfg.OriginBase
	if strings.TrimSpace(originBase) == "" {
		dir := *manifestURL
		if idx := strings.LastIndex(dir.Path, "/"); idx >= 0 {
			dir.Path = dir.Path[:idx+1]
		}
		dir.RawQuery = ""
		originBase = dir.String()
	}
	baseURL, err := parseAbsoluteURL(originBase)
	if err != nil {
		return nil, fmt.Errorf("relay: origin base url: %w", err)
	}

	maxFetches := cfg.MaxSegmentFetches
	if maxFetches <= 0 {
		maxFetches = defaultMaxSegmentFetches
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	return &Service{
		store:       store,
		client:      client,
		manifestURL: manifestURL,
		originBase:  baseURL,
		relayBase:   relayBase,
		fetches:     semaphore.NewWeighted(int64(maxFetches)),
		logger:      logger.With("component", "relay"),
		metrics:     recorder,
	}, nil
}

// RelayBase returns the public prefix rewritten references point at.
func (s *Service) RelayBase() string {
	return s.relayBase
}

// ManifestURL returns the configured origin playlist address.
func (s *Service) ManifestURL() string {
	return s.manifestURL.String()
}

// Manifest fetches the configured origin playlist and returns it with every
// reference rewritten to route through the relay.
func (s *Service) Manifest(ctx context.Context) (Payload, error) {
	return s.manifest(ctx, s.manifestURL.String())
}

// Resource relays an arbitrary origin resource identified by its absolute
// URL. Playlist targets are rewritten like the main manifest; everything else
// is returned verbatim as media.
func (s *Service) Resource(ctx context.Context, rawURL string) (Payload, error) {
	target, err := parseAbsoluteURL(rawURL)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if strings.HasSuffix(strings.ToLower(target.Path), ManifestSuffix) {
		return s.manifest(ctx, target.String())
	}
	return s.segment(ctx, target.String())
}

// ResolvePath relays an origin resource addressed by a path relative to the
// configured origin base.
func (s *Service) ResolvePath(ctx context.Context, path string) (Payload, error) {
	trimmed := strings.TrimLeft(strings.TrimSpace(path), "/")
	if trimmed == "" {
		return Payload{}, fmt.Errorf("%w: empty path", ErrInvalidTarget)
	}
	ref, err := url.Parse(trimmed)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	return s.Resource(ctx, s.originBase.ResolveReference(ref).String())
}

// Passthrough relays an absolute origin URL with the active credentials
// attached, preserving the origin's content type. It does not attempt the
// backup fallback; operators use it to inspect raw origin behaviour.
func (s *Service) Passthrough(ctx context.Context, rawURL string) (Payload, error) {
	target, err := parseAbsoluteURL(rawURL)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	active, ok := s.store.Snapshot()
	if !ok {
		return Payload{}, ErrNotAuthenticated
	}

	s.metrics.FetchStarted()
	result, err := s.client.Fetch(ctx, target.String(), active.Values)
	s.metrics.FetchFinished()
	if err != nil {
		s.metrics.ObserveOriginFetch("passthrough", "unavailable")
		return Payload{}, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	if result.AuthRejected() {
		s.metrics.ObserveOriginFetch("passthrough", "auth_rejected")
		return Payload{}, fmt.Errorf("%w: origin returned %d", ErrUpstreamAuth, result.Status)
	}
	if !result.OK() {
		s.metrics.ObserveOriginFetch("passthrough", "unavailable")
		return Payload{}, fmt.Errorf("%w: origin returned %d", ErrUpstreamUnavailable, result.Status)
	}
	s.metrics.ObserveOriginFetch("passthrough", "ok")
	contentType := result.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return Payload{Body: result.Body, ContentType: contentType}, nil
}

// TestCredentials probes the origin playlist with a candidate credential set
// without touching the stored generations. It reports the origin status so an
// operator can vet a capture before applying it.
func (s *Service) TestCredentials(ctx context.Context, values map[string]string) (int, error) {
	result, err := s.client.Fetch(ctx, s.manifestURL.String(), values)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	return result.Status, nil
}

func (s *Service) manifest(ctx context.Context, target string) (Payload, error) {
	value, err, _ := s.group.Do(target, func() (any, error) {
		result, err := s.fetchAuthenticated(ctx, target, "manifest")
		if err != nil {
			return nil, err
		}
		rewritten := RewriteManifest(string(result.Body), target, s.relayBase)
		return Payload{Body: []byte(rewritten), ContentType: ManifestContentType}, nil
	})
	if err != nil {
		return Payload{}, err
	}
	payload := value.(Payload)
	s.metrics.AddRelayedBytes("manifest", len(payload.Body))
	return payload, nil
}

func (s *Service) segment(ctx context.Context, target string) (Payload, error) {
	if err := s.fetches.Acquire(ctx, 1); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer s.fetches.Release(1)

	result, err := s.fetchAuthenticated(ctx, target, "segment")
	if err != nil {
		return Payload{}, err
	}
	contentType := result.ContentType
	if contentType == "" {
		contentType = SegmentContentType
	}
	s.metrics.AddRelayedBytes("segment", len(result.Body))
	return Payload{Body: result.Body, ContentType: contentType}, nil
}

// fetchAuthenticated runs the credential fallback protocol: fetch with the
// active set, and on an explicit 401/403 retry once with the backup set.
// A backup success promotes the backup via rollback; transport failures are
// never retried with the backup, since they say nothing about credential
// validity.
func (s *Service) fetchAuthenticated(ctx context.Context, target, kind string) (FetchResult, error) {
	active, ok := s.store.Snapshot()
	if !ok {
		return FetchResult{}, ErrNotAuthenticated
	}

	s.metrics.FetchStarted()
	result, err := s.client.Fetch(ctx, target, active.Values)
	s.metrics.FetchFinished()
	if err != nil {
		s.metrics.ObserveOriginFetch(kind, "unavailable")
		return FetchResult{}, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	if result.OK() {
		s.metrics.ObserveOriginFetch(kind, "ok")
		return result, nil
	}
	if !result.AuthRejected() {
		s.metrics.ObserveOriginFetch(kind, "unavailable")
		return FetchResult{}, fmt.Errorf("%w: origin returned %d", ErrUpstreamUnavailable, result.Status)
	}

	s.metrics.ObserveOriginFetch(kind, "auth_rejected")
	backup, ok := s.store.Backup()
	if !ok || backup.Equal(active) {
		// A backup holding the same pairs as the rejected set would only
		// repeat the failure against the origin.
		s.logger.Warn("origin rejected active credentials with no usable backup", "status", result.Status, "kind", kind)
		return FetchResult{}, fmt.Errorf("%w: origin returned %d", ErrUpstreamAuth, result.Status)
	}

	s.logger.Warn("origin rejected active credentials, retrying with backup", "status", result.Status, "kind", kind)
	s.metrics.FetchStarted()
	retried, err := s.client.Fetch(ctx, target, backup.Values)
	s.metrics.FetchFinished()
	if err != nil {
		s.metrics.ObserveOriginFetch(kind, "unavailable")
		return FetchResult{}, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	if !retried.OK() {
		s.metrics.ObserveOriginFetch(kind, "auth_rejected")
		return FetchResult{}, fmt.Errorf("%w: origin returned %d with backup credentials", ErrUpstreamAuth, retried.Status)
	}

	if s.store.Rollback() {
		s.logger.Info("promoted backup credentials after active set was rejected", "kind", kind)
		s.metrics.ObserveCredentialEvent("rolled_back")
	}
	s.metrics.ObserveOriginFetch(kind, "recovered")
	return retried, nil
}

func parseAbsoluteURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("url is empty")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("url %q has no host", trimmed)
	}
	return parsed, nil
}
