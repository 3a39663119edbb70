package metrics

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPMiddlewareRecordsRequests(t *testing.T) {
	recorder := New()
	handler := HTTPMiddleware(recorder, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	req := httptest.NewRequest(http.MethodGet, "/stream/segment/hls/seg_004512.ts", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	var buf bytes.Buffer
	recorder.Write(&buf)
	body := buf.String()

	expected := `streamgate_http_requests_total{method="GET",path="/stream/segment/:path",status="502"} 1`
	if !strings.Contains(body, expected) {
		t.Fatalf("expected metrics output to contain %q, got %q", expected, body)
	}
}

func TestResponseRecorderDefaultsToOK(t *testing.T) {
	rr := NewResponseRecorder(httptest.NewRecorder())
	if _, err := rr.Write([]byte("payload")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if rr.Status() != http.StatusOK {
		t.Fatalf("expected default status 200, got %d", rr.Status())
	}
}

func TestResponseRecorderReadFromFallsBackToCopy(t *testing.T) {
	backing := httptest.NewRecorder()
	rr := NewResponseRecorder(backing)

	n, err := rr.ReadFrom(strings.NewReader("segment-bytes"))
	if err != nil {
		t.Fatalf("ReadFrom failed: %v", err)
	}
	if n != int64(len("segment-bytes")) {
		t.Fatalf("expected %d bytes copied, got %d", len("segment-bytes"), n)
	}
	if backing.Body.String() != "segment-bytes" {
		t.Fatalf("unexpected body %q", backing.Body.String())
	}
}
