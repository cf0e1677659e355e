package client

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/user/macroremote/internal/config"
	"github.com/user/macroremote/internal/db"
	"github.com/user/macroremote/internal/protocol"
)

// macroServer is a minimal in-process macro server speaking the line
// protocol on 127.0.0.1.
type macroServer struct {
	t        *testing.T
	ln       net.Listener
	hello    string
	catalog  string
	mu       sync.Mutex
	received []protocol.Envelope
	running  string
}

func startMacroServer(t *testing.T, hello string, records ...protocol.MacroRecord) *macroServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen error = %v", err)
	}
	catalog, err := protocol.EncodeCatalog(records)
	if err != nil {
		t.Fatalf("EncodeCatalog() error = %v", err)
	}
	s := &macroServer{t: t, ln: ln, hello: hello, catalog: catalog}
	go s.serve()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *macroServer) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *macroServer) target() Target {
	return Target{Address: s.ln.Addr().String(), Host: "127.0.0.1", Port: s.port(), Attempts: 1}
}

func (s *macroServer) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.received))
	for i, env := range s.received {
		out[i] = env.Type
	}
	return out
}

func (s *macroServer) serve() {
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(nc)
	}
}

func (s *macroServer) handle(nc net.Conn) {
	defer nc.Close()
	send := func(msgType, data string) {
		frame, _ := protocol.Encode(msgType, data)
		_, _ = nc.Write(frame)
	}

	send(protocol.TypeHello, s.hello)
	if s.hello != protocol.HelloAccept {
		return
	}

	dec := protocol.NewDecoder(bufio.NewReader(nc))
	for {
		env, err := dec.Next()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.received = append(s.received, env)
		s.mu.Unlock()

		switch env.Type {
		case protocol.TypeRequestMacros, protocol.TypeRequestMacrosUpdate:
			send(protocol.TypeMacroList, s.catalog)
		case protocol.TypeExecuteMacro:
			if env.Data == "missing" {
				send(protocol.TypeError, "Macro not found")
				continue
			}
			s.mu.Lock()
			s.running = env.Data
			s.mu.Unlock()
			send(protocol.TypeMacroStarted, env.Data)
		case protocol.TypeStopMacro:
			s.mu.Lock()
			id := s.running
			s.running = ""
			s.mu.Unlock()
			if id != "" {
				send(protocol.TypeMacroStopped, id)
			}
		case protocol.TypeHeartbeat:
			send(protocol.TypeHeartbeat, protocol.HeartbeatPong)
		}
	}
}

func newTestClient(t *testing.T, withStore bool) *Client {
	t.Helper()
	cfg := config.Default()
	cfg.ConfigPath = filepath.Join(t.TempDir(), "config.yaml")
	cfg.DBPath = filepath.Join(t.TempDir(), "macroremote.db")

	var store *db.DB
	if withStore {
		var err error
		store, err = db.Open(context.Background(), cfg.DBPath)
		if err != nil {
			t.Fatalf("db.Open() error = %v", err)
		}
		t.Cleanup(func() { store.Close() })
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := New(cfg, store, logger)
	c.Start()
	t.Cleanup(c.Shutdown)
	return c
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

var sampleRecords = []protocol.MacroRecord{
	{Name: "Render", Description: "render scene", MacroID: "render", Position: 1},
	{Name: "Build", Description: "build project", MacroID: "build", Position: 0},
}

func TestFetchCatalogCompletesHandshake(t *testing.T) {
	srv := startMacroServer(t, protocol.HelloAccept, sampleRecords...)
	c := newTestClient(t, false)

	macros, err := c.FetchCatalog(testContext(t), srv.target())
	if err != nil {
		t.Fatalf("FetchCatalog() error = %v", err)
	}
	if len(macros) != 2 || macros[0].ID != "build" || macros[1].ID != "render" {
		t.Fatalf("macros = %+v, want [build render]", macros)
	}
	if got := srv.types(); len(got) == 0 || got[0] != protocol.TypeRequestMacros {
		t.Fatalf("server received %v, want request-macros first", got)
	}
}

func TestFetchCatalogAccessDenied(t *testing.T) {
	srv := startMacroServer(t, protocol.HelloReject)
	c := newTestClient(t, false)

	_, err := c.FetchCatalog(testContext(t), srv.target())
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("FetchCatalog() error = %v, want ErrAccessDenied", err)
	}
}

func TestFetchCatalogConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen error = %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	c := newTestClient(t, false)
	_, err = c.FetchCatalog(testContext(t), Target{Address: "closed", Host: "127.0.0.1", Port: port, Attempts: 1})
	if !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("FetchCatalog() error = %v, want ErrConnectFailed", err)
	}
}

func TestRunMacroWaitsForConfirmation(t *testing.T) {
	srv := startMacroServer(t, protocol.HelloAccept, sampleRecords...)
	c := newTestClient(t, false)

	if err := c.RunMacro(testContext(t), srv.target(), "render"); err != nil {
		t.Fatalf("RunMacro() error = %v", err)
	}
	if !c.Session().AnyRunning() {
		t.Error("session does not show a running macro")
	}
	m, ok := c.Session().Lookup("render")
	if !ok || !m.Running() {
		t.Errorf("render not marked running: %+v", m)
	}
}

func TestRunMacroSurfacesServerError(t *testing.T) {
	srv := startMacroServer(t, protocol.HelloAccept, sampleRecords...)
	c := newTestClient(t, false)

	err := c.RunMacro(testContext(t), srv.target(), "missing")
	var serverErr *ServerError
	if !errors.As(err, &serverErr) || serverErr.Message != "Macro not found" {
		t.Fatalf("RunMacro() error = %v, want ServerError", err)
	}
}

func TestStopMacro(t *testing.T) {
	srv := startMacroServer(t, protocol.HelloAccept, sampleRecords...)
	c := newTestClient(t, false)

	if err := c.RunMacro(testContext(t), srv.target(), "build"); err != nil {
		t.Fatalf("RunMacro() error = %v", err)
	}
	if err := c.StopMacro(testContext(t), srv.target()); err != nil {
		t.Fatalf("StopMacro() error = %v", err)
	}
	if c.Session().AnyRunning() {
		t.Error("AnyRunning() = true after stop")
	}
}

func TestStopMacroWithNothingRunning(t *testing.T) {
	srv := startMacroServer(t, protocol.HelloAccept, sampleRecords...)
	c := newTestClient(t, false)

	if err := c.StopMacro(testContext(t), srv.target()); err != nil {
		t.Fatalf("StopMacro() error = %v, want nil after grace period", err)
	}
}

func TestCatalogIsCachedAndServerRecorded(t *testing.T) {
	srv := startMacroServer(t, protocol.HelloAccept, sampleRecords...)
	c := newTestClient(t, true)
	ctx := testContext(t)
	target := srv.target()

	if _, err := c.FetchCatalog(ctx, target); err != nil {
		t.Fatalf("FetchCatalog() error = %v", err)
	}

	servers, err := c.RecentServers(ctx, 10)
	if err != nil {
		t.Fatalf("RecentServers() error = %v", err)
	}
	if len(servers) != 1 || servers[0].Address != target.Address || servers[0].ConnectCount != 1 {
		t.Fatalf("servers = %+v", servers)
	}

	cached, _, err := c.CachedCatalog(ctx, target)
	if err != nil {
		t.Fatalf("CachedCatalog() error = %v", err)
	}
	if len(cached) != 2 || cached[0].ID != "build" {
		t.Fatalf("cached = %+v", cached)
	}
}

func TestCachedCatalogWithoutSnapshot(t *testing.T) {
	c := newTestClient(t, true)
	_, _, err := c.CachedCatalog(context.Background(), Target{Address: "never"})
	if !errors.Is(err, ErrNoCache) {
		t.Fatalf("CachedCatalog() error = %v, want ErrNoCache", err)
	}

	bare := newTestClient(t, false)
	if _, _, err := bare.CachedCatalog(context.Background(), Target{Address: "never"}); !errors.Is(err, ErrNoCache) {
		t.Fatalf("CachedCatalog() without store error = %v, want ErrNoCache", err)
	}
}
