package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/user/macroremote/internal/conn"
	"github.com/user/macroremote/internal/macro"
	"github.com/user/macroremote/internal/protocol"
)

// stopGrace is how long StopMacro waits for a confirmation before assuming
// nothing was running.
const stopGrace = time.Second

// waiter collects the envelopes and disconnects a one-shot flow is waiting
// for. It is registered after the session so the session has already
// applied an envelope by the time the waiter sees it.
type waiter struct {
	envelopes chan protocol.Envelope
	lost      chan error
}

func newWaiter() *waiter {
	return &waiter{
		envelopes: make(chan protocol.Envelope, 16),
		lost:      make(chan error, 1),
	}
}

func (w *waiter) HandleEnvelope(env protocol.Envelope) {
	if env.Type == protocol.TypeHeartbeat {
		return
	}
	select {
	case w.envelopes <- env:
	default:
	}
}

func (w *waiter) HandleDisconnect(reason error) {
	// A connection replaced by the one being waited on is not a loss.
	if errors.Is(reason, conn.ErrReplaced) {
		return
	}
	select {
	case w.lost <- reason:
	default:
	}
}

func (c *Client) attach(w *waiter) func() {
	c.manager.AddMessageSubscriber(w)
	c.manager.AddDisconnectSubscriber(w)
	return func() {
		c.manager.RemoveMessageSubscriber(w)
		c.manager.RemoveDisconnectSubscriber(w)
	}
}

// await blocks until match accepts an envelope. Access denial, error
// envelopes (when failOnError is set), disconnects and ctx end the wait.
func (w *waiter) await(ctx context.Context, failOnError bool, match func(protocol.Envelope) bool) (protocol.Envelope, error) {
	for {
		select {
		case <-ctx.Done():
			return protocol.Envelope{}, ctx.Err()
		case reason := <-w.lost:
			// Envelopes delivered before the disconnect still count.
			for {
				select {
				case env := <-w.envelopes:
					if done, err := w.check(env, failOnError, match); done {
						return env, err
					}
					continue
				default:
				}
				break
			}
			return protocol.Envelope{}, fmt.Errorf("%w: %w", ErrConnectionLost, reason)
		case env := <-w.envelopes:
			if done, err := w.check(env, failOnError, match); done {
				return env, err
			}
		}
	}
}

func (w *waiter) check(env protocol.Envelope, failOnError bool, match func(protocol.Envelope) bool) (bool, error) {
	if env.Type == protocol.TypeHello && env.Data == protocol.HelloReject {
		return true, ErrAccessDenied
	}
	if failOnError && env.Type == protocol.TypeError {
		return true, &ServerError{Message: env.Data}
	}
	return match(env), nil
}

// FetchCatalog connects to target, completes the handshake and returns the
// first catalog. The connection stays open for follow-up commands and is
// reused when it already serves target.
func (c *Client) FetchCatalog(ctx context.Context, target Target) ([]macro.Macro, error) {
	if c.manager.IsConnected() && c.Target() == target && c.session.Loaded() {
		return c.session.Macros(), nil
	}

	w := newWaiter()
	detach := c.attach(w)
	defer detach()

	if !c.Connect(ctx, target) {
		return nil, fmt.Errorf("%w: %s", ErrConnectFailed, target)
	}
	_, err := w.await(ctx, false, func(env protocol.Envelope) bool {
		return env.Type == protocol.TypeMacroList || env.Type == protocol.TypeUpdateMacroList
	})
	if err != nil {
		return nil, err
	}
	return c.session.Macros(), nil
}

// RunMacro starts a macro and waits until the server confirms it.
func (c *Client) RunMacro(ctx context.Context, target Target, id string) error {
	if _, err := c.FetchCatalog(ctx, target); err != nil {
		return err
	}
	if _, ok := c.session.Lookup(id); !ok {
		c.logger.Warn("macro not in catalog, sending anyway", "macro_id", id)
	}

	w := newWaiter()
	detach := c.attach(w)
	defer detach()

	if !c.session.Execute(id) {
		return fmt.Errorf("%w: execute %q not sent", ErrConnectionLost, id)
	}
	_, err := w.await(ctx, true, func(env protocol.Envelope) bool {
		switch env.Type {
		case protocol.TypeMacroStarted, protocol.TypeMacroAlreadyRunning:
			return env.Data == id
		}
		return false
	})
	return err
}

// StopMacro asks the server to stop whatever is running. stop-macro is sent
// unconditionally because a fresh connection has not yet heard any run
// state. No confirmation within stopGrace is treated as nothing running.
func (c *Client) StopMacro(ctx context.Context, target Target) error {
	if _, err := c.FetchCatalog(ctx, target); err != nil {
		return err
	}

	w := newWaiter()
	detach := c.attach(w)
	defer detach()

	if !c.manager.Send(protocol.TypeStopMacro, "", true) {
		return fmt.Errorf("%w: stop not sent", ErrConnectionLost)
	}

	graceCtx, cancel := context.WithTimeout(ctx, stopGrace)
	defer cancel()
	_, err := w.await(graceCtx, true, func(env protocol.Envelope) bool {
		return env.Type == protocol.TypeMacroStopped || env.Type == protocol.TypeMacroEnded
	})
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return nil
	}
	return err
}
