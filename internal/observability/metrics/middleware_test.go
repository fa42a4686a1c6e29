package metrics

import (
	"bufio"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPMiddlewareRecordsRequests(t *testing.T) {
	recorder := New()
	handler := HTTPMiddleware(recorder, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest("GET", "/healthz", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want 418", res.Code)
	}
	recorder.mu.RLock()
	count := recorder.requestCount[requestLabel{method: "GET", path: "/healthz", status: "418"}]
	recorder.mu.RUnlock()
	if count != 1 {
		t.Fatalf("request count = %d, want 1", count)
	}
}

func TestResponseRecorderDefaultsToOK(t *testing.T) {
	rr := NewResponseRecorder(httptest.NewRecorder())
	if rr.Status() != http.StatusOK {
		t.Fatalf("default status = %d, want 200", rr.Status())
	}
	rr.WriteHeader(http.StatusNotFound)
	if rr.Status() != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Status())
	}
}

type hijackableWriter struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (w *hijackableWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	w.hijacked = true
	return nil, nil, nil
}

// The websocket upgrade needs Hijack to pass through the wrapper.
func TestResponseRecorderPreservesHijacker(t *testing.T) {
	inner := &hijackableWriter{ResponseRecorder: httptest.NewRecorder()}
	rr := NewResponseRecorder(inner)

	if _, _, err := rr.Hijack(); err != nil {
		t.Fatalf("Hijack returned error: %v", err)
	}
	if !inner.hijacked {
		t.Fatal("Hijack did not reach the wrapped writer")
	}

	plain := NewResponseRecorder(httptest.NewRecorder())
	if _, _, err := plain.Hijack(); err == nil {
		t.Fatal("expected error for non-hijackable writer")
	}
}
