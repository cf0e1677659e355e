package conn

import (
	"context"

	"github.com/user/macroremote/internal/protocol"
)

// startHeartbeat (re)starts the liveness loop for c, cancelling any loop
// already running for it.
func (m *Manager) startHeartbeat(c *connection) {
	c.hbMu.Lock()
	if c.hbCancel != nil {
		c.hbCancel()
	}
	if c.ctx.Err() != nil {
		c.hbMu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.hbCancel = cancel
	c.hbMu.Unlock()

	m.wg.Add(1)
	go m.heartbeatLoop(ctx, c)
}

// heartbeatLoop pings every interval and tears the connection down when a
// full interval passes without a heartbeat reply. The first tick only pings.
func (m *Manager) heartbeatLoop(ctx context.Context, c *connection) {
	defer m.wg.Done()

	ticker := m.clock.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()

	first := true
	for {
		select {
		case <-ctx.Done():
			if c.ctx.Err() != nil {
				m.teardown(c, ErrDisconnected)
			}
			return
		case <-ticker.C:
			if !first && !c.heartbeatReceived.Load() {
				m.logger.Error("heartbeat not received, disconnecting", "address", c.address, "interval", m.heartbeatInterval)
				m.teardown(c, ErrHeartbeatTimeout)
				return
			}
			first = false
			// Clear before pinging so a reply racing the ping is not lost.
			c.heartbeatReceived.Store(false)
			m.sendOn(c, protocol.TypeHeartbeat, protocol.HeartbeatPing, false)
		}
	}
}
