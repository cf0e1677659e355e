package conn

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/user/macroremote/internal/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func requireReceive[T any](t *testing.T, ch <-chan T, timeout time.Duration, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(timeout):
		t.Fatalf("timed out after %v: %s", timeout, what)
	}
	panic("unreachable")
}

func requireNoReceive[T any](t *testing.T, ch <-chan T, wait time.Duration, what string) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected value %v: %s", v, what)
	case <-time.After(wait):
	}
}

// pipeDialer hands out in-memory connections. Only ports listed in accept
// succeed; every dialed address is recorded.
type pipeDialer struct {
	mu       sync.Mutex
	accept   map[int]bool
	dialed   []string
	accepted chan net.Conn
}

func newPipeDialer(ports ...int) *pipeDialer {
	d := &pipeDialer{accept: make(map[int]bool), accepted: make(chan net.Conn, 8)}
	for _, p := range ports {
		d.accept[p] = true
	}
	return d
}

var errRefused = errors.New("connection refused")

func (d *pipeDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	_, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	port, _ := strconv.Atoi(portStr)

	d.mu.Lock()
	d.dialed = append(d.dialed, address)
	ok := d.accept[port]
	d.mu.Unlock()

	if !ok {
		return nil, errRefused
	}
	client, server := net.Pipe()
	d.accepted <- server
	return client, nil
}

func (d *pipeDialer) attempts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dialed...)
}

type envelopeRecorder struct {
	ch chan protocol.Envelope
}

func newEnvelopeRecorder() *envelopeRecorder {
	return &envelopeRecorder{ch: make(chan protocol.Envelope, 64)}
}

func (r *envelopeRecorder) HandleEnvelope(env protocol.Envelope) {
	r.ch <- env
}

type disconnectRecorder struct {
	ch chan error
}

func newDisconnectRecorder() *disconnectRecorder {
	return &disconnectRecorder{ch: make(chan error, 8)}
}

func (r *disconnectRecorder) HandleDisconnect(reason error) {
	r.ch <- reason
}

func writeFrame(t *testing.T, w io.Writer, msgType, data string) {
	t.Helper()
	frame, err := protocol.Encode(msgType, data)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if _, err := w.Write(frame); err != nil {
		t.Fatalf("server write error = %v", err)
	}
}

func readFrame(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := r.ReadString('\n')
		ch <- result{line, err}
	}()
	res := requireReceive(t, ch, 2*time.Second, "reading frame from client")
	if res.err != nil {
		t.Fatalf("server read error = %v", res.err)
	}
	return res.line
}

func startManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	m := New(append([]Option{WithLogger(discardLogger())}, opts...)...)
	m.Start()
	t.Cleanup(m.Shutdown)
	return m
}
