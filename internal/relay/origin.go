package relay

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"time"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// ClientConfig tunes the pooled HTTP client used for all origin fetches. The
// defaults match a browser-shaped client sized for tens of concurrent
// in-flight segment requests.
type ClientConfig struct {
	ConnectTimeout time.Duration // default 10s
	RequestTimeout time.Duration // default 30s
	MaxConns       int           // per-host connection cap, default 50
	MaxIdleConns   int           // per-host keep-alive pool, default 20
	IdleTimeout    time.Duration // default 30s

	// InsecureTLS disables certificate verification. Some stream CDNs serve
	// mismatched certificates.
	InsecureTLS bool

	UserAgent string
	Origin    string
	Referer   string

	// HTTPClient overrides the constructed client, used by tests.
	HTTPClient *http.Client
}

// Client issues authenticated GET requests against the origin. It is
// stateless: credentials are passed per call, so the same pooled client is
// safe to reuse across the active/backup fallback retry.
type Client struct {
	http    *http.Client
	headers map[string]string
}

// NewClient builds a keep-alive pooled client with browser-like headers.
func NewClient(cfg ClientConfig) *Client {
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 50
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 20
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				DialContext:         (&net.Dialer{Timeout: connectTimeout}).DialContext,
				MaxConnsPerHost:     maxConns,
				MaxIdleConnsPerHost: maxIdle,
				IdleConnTimeout:     idleTimeout,
				TLSClientConfig:     &tls.Config{InsecureSkipVerify: cfg.InsecureTLS},
			},
		}
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	headers := map[string]string{
		"User-Agent":      userAgent,
		"Accept":          "*/*",
		"Accept-Language": "en-US,en;q=0.9",
	}
	if cfg.Origin != "" {
		headers["Origin"] = cfg.Origin
	}
	if cfg.Referer != "" {
		headers["Referer"] = cfg.Referer
	}

	return &Client{http: httpClient, headers: headers}
}

// FetchResult is the outcome of a single origin GET.
type FetchResult struct {
	Status      int
	Body        []byte
	ContentType string
}

// OK reports a 2xx response.
func (r FetchResult) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// AuthRejected reports an explicit credential rejection. Only these statuses
// trigger the backup-credential retry; everything else is treated as a
// transient upstream failure.
func (r FetchResult) AuthRejected() bool {
	return r.Status == http.StatusUnauthorized || r.Status == http.StatusForbidden
}

// Fetch performs an authenticated GET, attaching the provided credential set
// as cookies. Transport-level failures (including timeouts) surface as the
// returned error; HTTP-level failures surface through FetchResult.Status.
func (c *Client) Fetch(ctx context.Context, rawURL string, cookies map[string]string) (FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return FetchResult{}, err
	}
	for name, value := range c.headers {
		req.Header.Set(name, value)
	}
	for name, value := range cookies {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return FetchResult{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return FetchResult{}, err
	}
	return FetchResult{
		Status:      resp.StatusCode,
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// CloseIdleConnections drains the keep-alive pool during shutdown.
func (c *Client) CloseIdleConnections() {
	c.http.CloseIdleConnections()
}
