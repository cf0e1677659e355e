package conn

import (
	"log/slog"
	"sync"
)

// dispatcher runs notifications one at a time, in post order, on its own
// goroutine. The queue is unbounded so posting never blocks; subscribers may
// call back into the manager from inside a notification.
type dispatcher struct {
	logger  *slog.Logger
	mu      sync.Mutex
	queue   []func()
	closing bool
	wake    chan struct{}
	stopped chan struct{}
}

func newDispatcher(logger *slog.Logger) *dispatcher {
	return &dispatcher{
		logger:  logger,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
}

func (d *dispatcher) post(fn func()) bool {
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		return false
	}
	d.queue = append(d.queue, fn)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true
}

func (d *dispatcher) run() {
	defer close(d.stopped)
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			closing := d.closing
			d.mu.Unlock()
			if closing {
				return
			}
			<-d.wake
			continue
		}
		fn := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()

		d.call(fn)
	}
}

// stop drains everything already queued, then ends the goroutine.
func (d *dispatcher) stop() {
	d.mu.Lock()
	d.closing = true
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
	<-d.stopped
}

func (d *dispatcher) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("subscriber panicked", "panic", r)
		}
	}()
	fn()
}
