package conn

import (
	"context"
	"errors"
	"net"

	"github.com/user/macroremote/internal/protocol"
)

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

var (
	ErrNotConnected     = errors.New("not connected to server")
	ErrDisconnected     = errors.New("disconnected by client")
	ErrClosedByPeer     = errors.New("connection closed by server")
	ErrHeartbeatTimeout = errors.New("heartbeat not received")
	ErrReplaced         = errors.New("replaced by a new connection attempt")
	ErrShutdown         = errors.New("connection manager shut down")
	ErrSendQueueFull    = errors.New("send queue full")
)

// MessageSubscriber receives every decoded envelope, heartbeats included.
// Implementations must be comparable (pointer receivers) so the registry can
// detect duplicates.
type MessageSubscriber interface {
	HandleEnvelope(env protocol.Envelope)
}

// DisconnectSubscriber is told once per connection teardown why the
// connection ended.
type DisconnectSubscriber interface {
	HandleDisconnect(reason error)
}

type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

func reasonLabel(err error) string {
	switch {
	case errors.Is(err, ErrDisconnected):
		return "explicit"
	case errors.Is(err, ErrClosedByPeer):
		return "peer_closed"
	case errors.Is(err, ErrHeartbeatTimeout):
		return "heartbeat_timeout"
	case errors.Is(err, ErrReplaced):
		return "replaced"
	case errors.Is(err, ErrShutdown):
		return "shutdown"
	default:
		return "io_error"
	}
}
