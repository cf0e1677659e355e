package conn

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/user/macroremote/internal/clock"
	"github.com/user/macroremote/internal/metrics"
	"github.com/user/macroremote/internal/protocol"
)

const (
	DefaultAttemptTimeout    = 500 * time.Millisecond
	DefaultSendTimeout       = 500 * time.Millisecond
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultSendQueueSize     = 64
)

type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

func WithDialer(d Dialer) Option {
	return func(m *Manager) {
		if d != nil {
			m.dialer = d
		}
	}
}

func WithAttemptTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.attemptTimeout = d
		}
	}
}

func WithSendTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.sendTimeout = d
		}
	}
}

func WithHeartbeatInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.heartbeatInterval = d
		}
	}
}

func WithSendQueueSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.sendQueueSize = n
		}
	}
}

func WithMaxLineBytes(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxLineBytes = n
		}
	}
}

// Manager owns at most one live server connection. All state mutation goes
// through mu; notifications are delivered on a single dispatcher goroutine.
type Manager struct {
	logger            *slog.Logger
	clock             clock.Clock
	dialer            Dialer
	attemptTimeout    time.Duration
	sendTimeout       time.Duration
	heartbeatInterval time.Duration
	sendQueueSize     int
	maxLineBytes      int

	messageSubs    registry[MessageSubscriber]
	disconnectSubs registry[DisconnectSubscriber]
	dispatcher     *dispatcher

	mu            sync.Mutex
	state         State
	current       *connection
	attempt       *connectAttempt
	attemptSeq    uint64
	connSeq       uint64
	everConnected bool
	started       bool
	stopped       bool
	wg            sync.WaitGroup
}

type connectAttempt struct {
	id     uint64
	cancel context.CancelFunc
}

func New(opts ...Option) *Manager {
	m := &Manager{
		logger:            slog.Default(),
		clock:             clock.Real(),
		dialer:            &net.Dialer{},
		attemptTimeout:    DefaultAttemptTimeout,
		sendTimeout:       DefaultSendTimeout,
		heartbeatInterval: DefaultHeartbeatInterval,
		sendQueueSize:     DefaultSendQueueSize,
		maxLineBytes:      protocol.DefaultMaxLineBytes,
		state:             StateIdle,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.dispatcher = newDispatcher(m.logger)
	return m
}

// Start launches the delivery goroutine. It must be called before any
// connect attempt.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	go m.dispatcher.run()
}

// Shutdown tears down the connection, cancels any connect attempt, waits
// for every background goroutine and drains pending notifications. It must
// not be called from a subscriber.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	if m.attempt != nil {
		m.attempt.cancel()
		m.attempt = nil
	}
	c := m.current
	if c != nil {
		m.detachLocked()
	}
	m.mu.Unlock()

	if c != nil {
		m.finishTeardown(c, ErrShutdown)
	}
	m.wg.Wait()
	m.dispatcher.stop()
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// RemoteAddr returns host:port of the live connection, or "".
func (m *Manager) RemoteAddr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ""
	}
	return m.current.address
}

// ConnectWithRetry dials basePort, basePort+1, ... up to maxAttempts ports
// and keeps the first connection that succeeds. Any in-flight attempt is
// preempted and any live connection torn down first.
func (m *Manager) ConnectWithRetry(ctx context.Context, host string, basePort, maxAttempts int) bool {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		m.logger.Error("connect requested on inactive manager", "host", host)
		return false
	}
	if m.attempt != nil {
		m.attempt.cancel()
	}
	old := m.current
	if old != nil {
		m.detachLocked()
	}
	m.attemptSeq++
	id := m.attemptSeq
	attemptCtx, cancel := context.WithCancel(ctx)
	m.attempt = &connectAttempt{id: id, cancel: cancel}
	m.state = StateConnecting
	m.mu.Unlock()
	defer cancel()

	if old != nil {
		m.finishTeardown(old, ErrReplaced)
	}

	for i := 0; i < maxAttempts; i++ {
		if attemptCtx.Err() != nil {
			break
		}
		port := basePort + i
		if port < 1 || port > 65535 {
			m.logger.Warn("skipping out of range port", "host", host, "port", port)
			break
		}
		address := net.JoinHostPort(host, strconv.Itoa(port))

		dialCtx, dialCancel := context.WithTimeout(attemptCtx, m.attemptTimeout)
		nc, err := m.dialer.DialContext(dialCtx, "tcp", address)
		dialCancel()
		if err != nil {
			metrics.ObserveConnectAttempt(false)
			m.logger.Debug("connect attempt failed", "address", address, "error", err)
			continue
		}
		metrics.ObserveConnectAttempt(true)

		if m.install(id, nc, address) {
			return true
		}
		nc.Close()
		return false
	}

	m.mu.Lock()
	if m.attempt != nil && m.attempt.id == id {
		m.attempt = nil
		m.state = m.restingStateLocked()
	}
	m.mu.Unlock()

	m.logger.Warn("failed to connect to server", "host", host, "base_port", basePort, "attempts", maxAttempts)
	return false
}

// ConnectAsync runs ConnectWithRetry on a worker goroutine and reports the
// result on the delivery goroutine.
func (m *Manager) ConnectAsync(ctx context.Context, host string, basePort, maxAttempts int, done func(bool)) {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		m.logger.Error("connect requested on inactive manager", "host", host)
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		ok := m.ConnectWithRetry(ctx, host, basePort, maxAttempts)
		if done != nil {
			m.dispatcher.post(func() { done(ok) })
		}
	}()
}

// Send queues one frame for the writer goroutine. It fails fast when not
// connected. With waitForCompletion it waits up to the send timeout for the
// write result; a timeout reports false but does not cancel the write.
func (m *Manager) Send(msgType, data string, waitForCompletion bool) bool {
	m.mu.Lock()
	c := m.current
	connected := m.state == StateConnected
	m.mu.Unlock()

	if c == nil || !connected {
		m.logger.Warn("send failed", "type", msgType, "error", ErrNotConnected)
		metrics.ObserveFrameSent(msgType, false)
		return false
	}
	return m.sendOn(c, msgType, data, waitForCompletion)
}

// Disconnect closes the live connection and cancels any connect attempt.
// Calling it again is a no-op.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.attempt != nil {
		m.attempt.cancel()
		m.attempt = nil
		if m.current == nil {
			m.state = m.restingStateLocked()
		}
	}
	c := m.current
	m.mu.Unlock()

	if c != nil {
		m.teardown(c, ErrDisconnected)
	}
}

func (m *Manager) AddMessageSubscriber(s MessageSubscriber) bool {
	return m.messageSubs.add(s)
}

func (m *Manager) RemoveMessageSubscriber(s MessageSubscriber) bool {
	return m.messageSubs.remove(s)
}

func (m *Manager) AddDisconnectSubscriber(s DisconnectSubscriber) bool {
	return m.disconnectSubs.add(s)
}

func (m *Manager) RemoveDisconnectSubscriber(s DisconnectSubscriber) bool {
	return m.disconnectSubs.remove(s)
}

func (m *Manager) install(attemptID uint64, nc net.Conn, address string) bool {
	m.mu.Lock()
	if m.stopped || m.attempt == nil || m.attempt.id != attemptID {
		m.mu.Unlock()
		m.logger.Debug("discarding preempted connection", "address", address)
		return false
	}
	m.attempt = nil
	m.connSeq++
	c := newConnection(m.connSeq, nc, address, m.sendQueueSize)
	m.current = c
	m.state = StateConnected
	m.everConnected = true
	m.wg.Add(2)
	go m.writeLoop(c)
	go m.readLoop(c)
	m.mu.Unlock()

	metrics.ObserveConnected()
	m.logger.Info("connected to server", "address", address, "connection", c.id)
	return true
}

// teardown is the single disconnect path. Only the first call for a given
// connection has any effect.
func (m *Manager) teardown(c *connection, reason error) bool {
	m.mu.Lock()
	if m.current != c {
		m.mu.Unlock()
		return false
	}
	m.detachLocked()
	m.mu.Unlock()

	m.finishTeardown(c, reason)
	return true
}

func (m *Manager) detachLocked() {
	m.current = nil
	m.state = StateDisconnecting
}

func (m *Manager) finishTeardown(c *connection, reason error) {
	c.cancel()
	if err := c.conn.Close(); err != nil {
		m.logger.Debug("closing socket", "address", c.address, "error", err)
	}

	m.mu.Lock()
	if m.current == nil && m.state == StateDisconnecting {
		m.state = StateDisconnected
	}
	m.mu.Unlock()

	metrics.ObserveDisconnect(reasonLabel(reason))
	m.logger.Info("disconnected from server", "address", c.address, "connection", c.id, "reason", reason)

	m.dispatcher.post(func() {
		for _, s := range m.disconnectSubs.snapshot() {
			m.notify(func() { s.HandleDisconnect(reason) })
		}
	})
}

func (m *Manager) deliver(env protocol.Envelope) {
	m.dispatcher.post(func() {
		for _, s := range m.messageSubs.snapshot() {
			m.notify(func() { s.HandleEnvelope(env) })
		}
	})
}

// notify isolates one subscriber so a panic does not starve the rest.
func (m *Manager) notify(fn func()) {
	m.dispatcher.call(fn)
}

func (m *Manager) restingStateLocked() State {
	if m.everConnected {
		return StateDisconnected
	}
	return StateIdle
}
