package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/user/macroremote/internal/config"
	"github.com/user/macroremote/internal/conn"
	"github.com/user/macroremote/internal/db"
	"github.com/user/macroremote/internal/hub"
	"github.com/user/macroremote/web"
)

const shutdownTimeout = 5 * time.Second

// StateFunc reports the macro server connection state for /healthz.
type StateFunc func() conn.State

type Server struct {
	cfg        *config.Config
	store      *db.DB
	hub        *hub.Hub
	state      StateFunc
	logger     *slog.Logger
	httpServer *http.Server
}

// New wires the panel routes. store and state may be nil.
func New(cfg *config.Config, h *hub.Hub, store *db.DB, state StateFunc, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()

	subFS, err := fs.Sub(web.Assets, "panel")
	if err != nil {
		return nil, fmt.Errorf("failed to sub filesystem: %w", err)
	}
	fileServer := http.FileServer(http.FS(subFS))
	mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cleanPath := strings.TrimPrefix(path.Clean(r.URL.Path), "/")
		if cleanPath == "" || cleanPath == "." {
			cleanPath = "index.html"
		}
		if _, err := fs.Stat(subFS, cleanPath); err != nil {
			http.NotFound(w, r)
			return
		}
		fileServer.ServeHTTP(w, r)
	}))

	s := &Server{
		cfg:    cfg,
		store:  store,
		hub:    h,
		state:  state,
		logger: logger,
	}

	mux.HandleFunc("/ws", h.HandleWebSocket)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              cfg.PanelAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler exposes the routes for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

type healthResponse struct {
	Status       string `json:"status"`
	Connection   string `json:"connection"`
	PanelClients int    `json:"panel_clients"`
	Store        string `json:"store"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:       "ok",
		Connection:   conn.StateIdle.String(),
		PanelClients: s.hub.ClientCount(),
		Store:        "disabled",
	}
	if s.state != nil {
		resp.Connection = s.state().String()
	}
	status := http.StatusOK
	if s.store != nil {
		resp.Store = "ok"
		if err := s.store.SQL().PingContext(r.Context()); err != nil {
			s.logger.Warn("health check store ping failed", "error", err)
			resp.Status = "degraded"
			resp.Store = err.Error()
			status = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("panel server starting", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("panel server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}
