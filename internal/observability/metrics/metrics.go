package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// FetchLabel identifies an origin fetch by resource kind ("manifest",
// "segment", "probe") and outcome ("ok", "auth_rejected", "recovered",
// "unavailable").
type FetchLabel struct {
	Kind    string
	Outcome string
}

// Recorder aggregates in-memory metrics counters and gauges for HTTP
// requests, origin fetch outcomes, credential lifecycle events, and relayed
// payload volume. It coordinates concurrent writers via a RWMutex while
// exposing thread-safe gauges for in-flight fetch tracking.
type Recorder struct {
	mu               sync.RWMutex
	requestCount     map[requestLabel]uint64
	requestDuration  map[requestLabel]time.Duration
	originFetches    map[FetchLabel]uint64
	credentialEvents map[string]uint64
	relayedBytes     map[string]uint64
	inflightFetches  atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:     make(map[requestLabel]uint64),
		requestDuration:  make(map[requestLabel]time.Duration),
		originFetches:    make(map[FetchLabel]uint64),
		credentialEvents: make(map[string]uint64),
		relayedBytes:     make(map[string]uint64),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveOriginFetch records the outcome of a single fetch against the
// origin, keyed by resource kind.
func (r *Recorder) ObserveOriginFetch(kind, outcome string) {
	label := FetchLabel{Kind: normalizeName(kind), Outcome: normalizeName(outcome)}
	r.mu.Lock()
	r.originFetches[label]++
	r.mu.Unlock()
}

// ObserveCredentialEvent records a credential lifecycle event such as
// "applied", "promoted_backup", "rolled_back", or "mirror_applied".
func (r *Recorder) ObserveCredentialEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.credentialEvents[normalized]++
	r.mu.Unlock()
}

// AddRelayedBytes accumulates the payload volume served to viewers, keyed by
// resource kind.
func (r *Recorder) AddRelayedBytes(kind string, n int) {
	if n <= 0 {
		return
	}
	normalized := normalizeName(kind)
	r.mu.Lock()
	r.relayedBytes[normalized] += uint64(n)
	r.mu.Unlock()
}

// FetchStarted increments the in-flight origin fetch gauge.
func (r *Recorder) FetchStarted() {
	r.inflightFetches.Add(1)
}

// FetchFinished decrements the in-flight origin fetch gauge, guarding against
// negative counts when concurrent updates race.
func (r *Recorder) FetchFinished() {
	r.decrementGauge(&r.inflightFetches)
}

// InflightFetches exposes the current gauge of concurrently running origin
// fetches.
func (r *Recorder) InflightFetches() int64 {
	return r.inflightFetches.Load()
}

// OriginFetchCounts returns a copy of the origin fetch counters for testing
// and reporting purposes.
func (r *Recorder) OriginFetchCounts() map[FetchLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[FetchLabel]uint64, len(r.originFetches))
	for k, v := range r.originFetches {
		counts[k] = v
	}
	return counts
}

// CredentialEventCounts returns a copy of the credential event counters.
func (r *Recorder) CredentialEventCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]uint64, len(r.credentialEvents))
	for k, v := range r.credentialEvents {
		counts[k] = v
	}
	return counts
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.originFetches = make(map[FetchLabel]uint64)
	r.credentialEvents = make(map[string]uint64)
	r.relayedBytes = make(map[string]uint64)
	r.inflightFetches.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	fetchLabels := r.sortedFetchLabels()
	credentialEvents := r.sortedCredentialEvents()
	relayedKinds := r.sortedRelayedKinds()

	fmt.Fprintln(w, "# HELP streamgate_http_requests_total Total number of HTTP requests processed by the relay")
	fmt.Fprintln(w, "# TYPE streamgate_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "streamgate_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP streamgate_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE streamgate_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "streamgate_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP streamgate_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE streamgate_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "streamgate_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP streamgate_origin_fetches_total Origin fetch outcomes by resource kind")
	fmt.Fprintln(w, "# TYPE streamgate_origin_fetches_total counter")
	for _, label := range fetchLabels {
		count := r.originFetches[label]
		fmt.Fprintf(w, "streamgate_origin_fetches_total{kind=\"%s\",outcome=\"%s\"} %d\n", label.Kind, label.Outcome, count)
	}

	fmt.Fprintln(w, "# HELP streamgate_origin_inflight_fetches Current number of in-flight origin fetches")
	fmt.Fprintln(w, "# TYPE streamgate_origin_inflight_fetches gauge")
	fmt.Fprintf(w, "streamgate_origin_inflight_fetches %d\n", r.inflightFetches.Load())

	fmt.Fprintln(w, "# HELP streamgate_credential_events_total Credential lifecycle events by type")
	fmt.Fprintln(w, "# TYPE streamgate_credential_events_total counter")
	for _, event := range credentialEvents {
		count := r.credentialEvents[event]
		fmt.Fprintf(w, "streamgate_credential_events_total{event=\"%s\"} %d\n", event, count)
	}

	fmt.Fprintln(w, "# HELP streamgate_relayed_bytes_total Bytes served to viewers by resource kind")
	fmt.Fprintln(w, "# TYPE streamgate_relayed_bytes_total counter")
	for _, kind := range relayedKinds {
		total := r.relayedBytes[kind]
		fmt.Fprintf(w, "streamgate_relayed_bytes_total{kind=\"%s\"} %d\n", kind, total)
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedFetchLabels() []FetchLabel {
	labels := make([]FetchLabel, 0, len(r.originFetches))
	for label := range r.originFetches {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Kind != labels[j].Kind {
			return labels[i].Kind < labels[j].Kind
		}
		return labels[i].Outcome < labels[j].Outcome
	})
	return labels
}

func (r *Recorder) sortedCredentialEvents() []string {
	events := make([]string, 0, len(r.credentialEvents))
	for event := range r.credentialEvents {
		events = append(events, event)
	}
	sort.Strings(events)
	return events
}

func (r *Recorder) sortedRelayedKinds() []string {
	kinds := make([]string, 0, len(r.relayedBytes))
	for kind := range r.relayedBytes {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// normalizePath collapses per-segment detail so the label set stays bounded:
// every request under /stream/segment/ maps to a single path label, and
// identifier-looking path elements elsewhere are replaced with a placeholder.
func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	if strings.HasPrefix(path, "/stream/segment/") {
		return "/stream/segment/:path"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if strings.Contains(segment, ".") {
		return false
	}
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 4
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// ObserveOriginFetch records a fetch outcome on the default recorder.
func ObserveOriginFetch(kind, outcome string) {
	defaultRecorder.ObserveOriginFetch(kind, outcome)
}

// ObserveCredentialEvent records a credential event on the default recorder.
func ObserveCredentialEvent(event string) {
	defaultRecorder.ObserveCredentialEvent(event)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
