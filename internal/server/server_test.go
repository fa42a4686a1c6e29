package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"partywatch/internal/gateway"
	"partywatch/internal/observability/metrics"
	"partywatch/internal/party"
	"partywatch/internal/store"
)

func testServer(t *testing.T, st store.Store) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	recorder := metrics.New()
	repo := party.NewRepository(st, party.Rules{}, logger, recorder)
	gw := gateway.New(gateway.Config{
		Repository: repo,
		Logger:     logger,
		Metrics:    recorder,
		InstanceID: "inst-test",
	})
	srv, err := New(gw, st, Config{Addr: "127.0.0.1:0", Logger: logger, Metrics: recorder})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestHealthz(t *testing.T) {
	st := store.NewMemory(16)
	t.Cleanup(func() { _ = st.Close() })
	ts := testServer(t, st)

	res, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz request failed: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", res.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode healthz body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("healthz body = %v", body)
	}
}

type unreachableStore struct {
	store.Store
}

func (unreachableStore) Ping(context.Context) error {
	return errors.New("store unreachable")
}

func TestHealthzDegraded(t *testing.T) {
	st := store.NewMemory(16)
	t.Cleanup(func() { _ = st.Close() })
	ts := testServer(t, unreachableStore{Store: st})

	res, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz request failed: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("healthz status = %d, want 503", res.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	st := store.NewMemory(16)
	t.Cleanup(func() { _ = st.Close() })
	ts := testServer(t, st)

	if _, err := http.Get(ts.URL + "/healthz"); err != nil {
		t.Fatalf("healthz request failed: %v", err)
	}
	res, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read metrics body: %v", err)
	}
	text := string(body)
	if !strings.Contains(text, "partywatch_http_requests_total") {
		t.Fatalf("metrics output missing request counter:\n%s", text)
	}
	if !strings.Contains(text, `path="/healthz"`) {
		t.Fatalf("metrics output missing healthz label:\n%s", text)
	}
}

func TestWebsocketRoundTrip(t *testing.T) {
	st := store.NewMemory(16)
	t.Cleanup(func() { _ = st.Close() })
	ts := testServer(t, st)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	if res != nil {
		res.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })

	request := `{"type":"create","data":{"url":"https://www.dropout.tv/videos/episode-1","time":0,"speed":1,"playing":true}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(request)); err != nil {
		t.Fatalf("write message failed: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message failed: %v", err)
	}
	var frame struct {
		Type string       `json:"type"`
		Data party.Record `json:"data"`
	}
	if err := json.Unmarshal(payload, &frame); err != nil {
		t.Fatalf("decode frame %s: %v", payload, err)
	}
	if frame.Type != "create" {
		t.Fatalf("frame type = %q, want create: %s", frame.Type, payload)
	}
	if len(frame.Data.ID) != 16 || len(frame.Data.Secret) != 48 {
		t.Fatalf("unexpected create response: %+v", frame.Data)
	}

	// The other control surface on the socket: subscribe to the new party
	// and expect the ack plus a status push.
	subscribe := `{"type":"subscribe","data":{"id":"` + frame.Data.ID + `"}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(subscribe)); err != nil {
		t.Fatalf("write subscribe failed: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, ack, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read subscribe ack failed: %v", err)
	}
	if !strings.Contains(string(ack), `"type":"subscribe"`) {
		t.Fatalf("unexpected subscribe ack: %s", ack)
	}
}

func TestServerRunGracefulShutdown(t *testing.T) {
	st := store.NewMemory(16)
	t.Cleanup(func() { _ = st.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := party.NewRepository(st, party.Rules{}, logger, metrics.New())
	gw := gateway.New(gateway.Config{Repository: repo, Logger: logger, Metrics: metrics.New(), InstanceID: "inst-test"})
	srv, err := New(gw, st, Config{Addr: "127.0.0.1:0", Logger: logger, ShutdownTimeout: time.Second})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestNewRejectsHalfTLSConfig(t *testing.T) {
	st := store.NewMemory(16)
	t.Cleanup(func() { _ = st.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := party.NewRepository(st, party.Rules{}, logger, metrics.New())
	gw := gateway.New(gateway.Config{Repository: repo, Logger: logger, Metrics: metrics.New(), InstanceID: "inst-test"})

	if _, err := New(gw, st, Config{Addr: ":0", TLS: TLSConfig{CertFile: "cert.pem"}}); err == nil {
		t.Fatal("expected error for cert without key")
	}
	if _, err := New(nil, st, Config{Addr: ":0"}); err == nil {
		t.Fatal("expected error for nil gateway")
	}
}
