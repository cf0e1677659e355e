package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/user/macroremote/internal/config"
	"github.com/user/macroremote/internal/conn"
	"github.com/user/macroremote/internal/db"
	"github.com/user/macroremote/internal/macro"
	"github.com/user/macroremote/internal/protocol"
)

var (
	ErrConnectFailed  = errors.New("failed to connect")
	ErrAccessDenied   = errors.New("access denied")
	ErrConnectionLost = errors.New("connection lost")
	ErrNoCache        = errors.New("no cached catalog")
)

// ServerError carries the text of an error envelope.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Message
}

const storeTimeout = 2 * time.Second

// Client wires one connection manager, one macro session and the optional
// local store together. Front ends own the session hooks.
type Client struct {
	cfg     *config.Config
	logger  *slog.Logger
	manager *conn.Manager
	session *macro.Session
	store   *db.DB
	writer  *storeWriter

	mu     sync.Mutex
	target Target
}

// ManagerOptions maps the config onto connection manager options.
func ManagerOptions(cfg *config.Config, logger *slog.Logger) []conn.Option {
	return []conn.Option{
		conn.WithLogger(logger),
		conn.WithAttemptTimeout(cfg.AttemptTimeout),
		conn.WithSendTimeout(cfg.SendTimeout),
		conn.WithHeartbeatInterval(cfg.HeartbeatInterval),
		conn.WithSendQueueSize(cfg.SendQueue),
		conn.WithMaxLineBytes(cfg.MaxLineBytes),
	}
}

// New builds a client. store may be nil; extra options are applied after
// the ones derived from cfg.
func New(cfg *config.Config, store *db.DB, logger *slog.Logger, extra ...conn.Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	opts := append(ManagerOptions(cfg, logger), extra...)
	manager := conn.New(opts...)
	session := macro.NewSession(manager, macro.WithLogger(logger))

	c := &Client{
		cfg:     cfg,
		logger:  logger,
		manager: manager,
		session: session,
		store:   store,
		writer:  newStoreWriter(logger),
	}
	manager.AddMessageSubscriber(session)
	manager.AddMessageSubscriber(&catalogRecorder{client: c})
	return c
}

func (c *Client) Manager() *conn.Manager  { return c.manager }
func (c *Client) Session() *macro.Session { return c.session }

func (c *Client) Start() {
	c.writer.start()
	c.manager.Start()
}

// Shutdown stops the manager, then finishes queued store writes.
func (c *Client) Shutdown() {
	c.manager.Shutdown()
	c.writer.stop()
}

func (c *Client) Target() Target {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

// ParseTarget applies the configured default port and scan width.
func (c *Client) ParseTarget(raw string) (Target, error) {
	return ParseTarget(raw, c.cfg.Port, c.cfg.Retries)
}

// Connect dials target and remembers it in the store on success.
func (c *Client) Connect(ctx context.Context, target Target) bool {
	c.mu.Lock()
	c.target = target
	c.mu.Unlock()

	if !c.manager.ConnectWithRetry(ctx, target.Host, target.Port, target.Attempts) {
		return false
	}
	c.recordServer(target)
	return true
}

// ConnectAsync is Connect on a worker goroutine; done runs on the delivery
// goroutine.
func (c *Client) ConnectAsync(ctx context.Context, target Target, done func(bool)) {
	c.mu.Lock()
	c.target = target
	c.mu.Unlock()

	c.manager.ConnectAsync(ctx, target.Host, target.Port, target.Attempts, func(ok bool) {
		if ok {
			c.recordServer(target)
		}
		if done != nil {
			done(ok)
		}
	})
}

func (c *Client) Disconnect() {
	c.manager.Disconnect()
}

func (c *Client) recordServer(target Target) {
	if c.store == nil {
		return
	}
	server := &db.Server{
		Address:        target.Address,
		Host:           target.Host,
		Port:           target.Port,
		Attempts:       target.Attempts,
		LastRemoteAddr: c.manager.RemoteAddr(),
	}
	c.writer.enqueue("record server", func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := c.store.Servers().RecordConnect(ctx, server); err != nil {
			c.logger.Warn("recording server", "address", target.Address, "error", err)
		}
	})
}

// RecentServers lists remembered servers, newest first.
func (c *Client) RecentServers(ctx context.Context, limit int) ([]*db.Server, error) {
	if c.store == nil {
		return []*db.Server{}, nil
	}
	if err := c.writer.sync(ctx); err != nil {
		return nil, err
	}
	return c.store.Servers().Recent(ctx, limit)
}

// CachedCatalog rebuilds the last catalog received from target.
func (c *Client) CachedCatalog(ctx context.Context, target Target) ([]macro.Macro, time.Time, error) {
	if c.store == nil {
		return nil, time.Time{}, ErrNoCache
	}
	if err := c.writer.sync(ctx); err != nil {
		return nil, time.Time{}, err
	}
	snap, err := c.store.Catalogs().Latest(ctx, target.Address)
	if err != nil {
		return nil, time.Time{}, err
	}
	if snap == nil {
		return nil, time.Time{}, ErrNoCache
	}
	built, errs := macro.BuildCatalog(snap.Payload)
	for _, err := range errs {
		c.logger.Warn("cached catalog record", "address", target.Address, "error", err)
	}
	out := make([]macro.Macro, len(built))
	for i, m := range built {
		out[i] = *m
	}
	return out, snap.CapturedAt, nil
}

// catalogRecorder stores every catalog snapshot for the current target.
type catalogRecorder struct {
	client *Client
}

func (r *catalogRecorder) HandleEnvelope(env protocol.Envelope) {
	if env.Type != protocol.TypeMacroList && env.Type != protocol.TypeUpdateMacroList {
		return
	}
	c := r.client
	if c.store == nil {
		return
	}
	target := c.Target()
	if target.Address == "" {
		return
	}

	records, _, err := protocol.ParseCatalog(env.Data)
	if err != nil {
		c.logger.Debug("not caching unusable catalog", "address", target.Address, "error", err)
		return
	}

	c.writer.enqueue("cache catalog", func() {
		c.saveCatalog(target, env.Data, len(records))
	})
}

func (c *Client) saveCatalog(target Target, payload string, count int) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	// The catalog can arrive before Connect has recorded the server.
	err := c.store.Servers().Ensure(ctx, &db.Server{
		Address:  target.Address,
		Host:     target.Host,
		Port:     target.Port,
		Attempts: target.Attempts,
	})
	if err != nil {
		c.logger.Warn("caching catalog", "address", target.Address, "error", err)
		return
	}
	err = c.store.Catalogs().Save(ctx, &db.CatalogSnapshot{
		ServerAddress: target.Address,
		Payload:       payload,
		MacroCount:    count,
	})
	if err != nil {
		c.logger.Warn("caching catalog", "address", target.Address, "error", err)
	}
}
