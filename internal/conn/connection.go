package conn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/user/macroremote/internal/metrics"
	"github.com/user/macroremote/internal/protocol"
)

type connection struct {
	id      uint64
	conn    net.Conn
	address string
	ctx     context.Context
	cancel  context.CancelFunc
	outbox  chan *outbound

	heartbeatReceived atomic.Bool

	hbMu     sync.Mutex
	hbCancel context.CancelFunc
}

type outbound struct {
	msgType string
	frame   []byte
	result  chan error
}

func newConnection(id uint64, nc net.Conn, address string, queueSize int) *connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &connection{
		id:      id,
		conn:    nc,
		address: address,
		ctx:     ctx,
		cancel:  cancel,
		outbox:  make(chan *outbound, queueSize),
	}
}

func (m *Manager) sendOn(c *connection, msgType, data string, wait bool) bool {
	frame, err := protocol.Encode(msgType, data)
	if err != nil {
		m.logger.Error("send failed", "type", msgType, "error", err)
		metrics.ObserveFrameSent(msgType, false)
		return false
	}

	out := &outbound{msgType: msgType, frame: frame}
	if wait {
		out.result = make(chan error, 1)
	}

	if c.ctx.Err() != nil {
		metrics.ObserveFrameSent(msgType, false)
		return false
	}
	select {
	case c.outbox <- out:
	default:
		m.logger.Warn("send failed", "type", msgType, "error", ErrSendQueueFull)
		metrics.ObserveFrameSent(msgType, false)
		return false
	}

	if !wait {
		return true
	}

	timeout := m.clock.After(m.sendTimeout)
	select {
	case err := <-out.result:
		return err == nil
	case <-c.ctx.Done():
		select {
		case err := <-out.result:
			return err == nil
		default:
			return false
		}
	case <-timeout:
		m.logger.Warn("timed out waiting for write", "type", msgType, "timeout", m.sendTimeout)
		return false
	}
}

// writeLoop is the only goroutine that writes to the socket.
func (m *Manager) writeLoop(c *connection) {
	defer m.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case out := <-c.outbox:
			_, err := c.conn.Write(out.frame)
			metrics.ObserveFrameSent(out.msgType, err == nil)
			if err != nil {
				m.logger.Warn("write failed", "type", out.msgType, "address", c.address, "error", err)
			}
			if out.result != nil {
				out.result <- err
			}
		}
	}
}

func (m *Manager) readLoop(c *connection) {
	defer m.wg.Done()

	dec := protocol.NewDecoder(c.conn,
		protocol.WithMaxLineBytes(m.maxLineBytes),
		protocol.WithDropHook(func(line []byte, err error) {
			metrics.ObserveFrameDropped(dropReason(err))
			m.logger.Warn("discarding frame", "address", c.address, "error", err, "bytes", len(line))
		}),
	)

	for {
		env, err := dec.Next()
		if err != nil {
			reason := ErrClosedByPeer
			if !errors.Is(err, io.EOF) {
				reason = fmt.Errorf("read from %s: %w", c.address, err)
			}
			if c.ctx.Err() == nil {
				m.logger.Warn("receive loop ended", "address", c.address, "error", err)
			}
			m.teardown(c, reason)
			return
		}

		metrics.ObserveFrameReceived(env.Type)
		m.logger.Debug("message received", "type", env.Type, "data", env.Data)

		switch {
		case env.Type == protocol.TypeHeartbeat:
			c.heartbeatReceived.Store(true)
		case env.Type == protocol.TypeHello && env.Data == protocol.HelloAccept:
			m.startHeartbeat(c)
		case env.Type == protocol.TypeError:
			m.logger.Warn("server reported error", "message", env.Data)
		}

		m.deliver(env)
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrLineTooLong):
		return "too_long"
	case errors.Is(err, protocol.ErrUnterminated):
		return "unterminated"
	case errors.Is(err, protocol.ErrEmptyLine):
		return "empty"
	case errors.Is(err, protocol.ErrMissingField):
		return "missing_field"
	default:
		return "invalid_json"
	}
}
