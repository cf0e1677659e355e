package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/user/macroremote/internal/config"
	"github.com/user/macroremote/internal/conn"
	"github.com/user/macroremote/internal/db"
	"github.com/user/macroremote/internal/hub"
	"github.com/user/macroremote/internal/metrics"
)

func newTestServer(t *testing.T, store *db.DB, state StateFunc) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()
	cfg.PanelAddr = "127.0.0.1:0"
	srv, err := New(cfg, hub.New("", logger), store, state, logger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return srv
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestServesPanel(t *testing.T) {
	srv := newTestServer(t, nil, nil)

	rec := get(t, srv.Handler(), "/")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET / status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "macroremote") {
		t.Error("index page not served")
	}

	if rec := get(t, srv.Handler(), "/app.js"); rec.Code != http.StatusOK {
		t.Errorf("GET /app.js status = %d", rec.Code)
	}
	if rec := get(t, srv.Handler(), "/missing.txt"); rec.Code != http.StatusNotFound {
		t.Errorf("GET /missing.txt status = %d, want 404", rec.Code)
	}
}

func TestHealthReportsConnectionState(t *testing.T) {
	store, err := db.Open(context.Background(), filepath.Join(t.TempDir(), "panel.db"))
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	defer store.Close()

	srv := newTestServer(t, store, func() conn.State { return conn.StateConnected })
	rec := get(t, srv.Handler(), "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /healthz status = %d", rec.Code)
	}

	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if resp.Status != "ok" || resp.Connection != "connected" || resp.Store != "ok" {
		t.Errorf("health = %+v", resp)
	}
}

func TestHealthDegradedWhenStoreClosed(t *testing.T) {
	store, err := db.Open(context.Background(), filepath.Join(t.TempDir(), "panel.db"))
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	store.Close()

	srv := newTestServer(t, store, nil)
	rec := get(t, srv.Handler(), "/healthz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("GET /healthz status = %d, want 503", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	metrics.ObserveCatalogSize(3)
	srv := newTestServer(t, nil, nil)

	rec := get(t, srv.Handler(), "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "macroremote_catalog_macros 3") {
		t.Error("catalog gauge missing from /metrics")
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(6 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
}
