package client

import (
	"context"
	"log/slog"
	"sync"
)

const storeQueueSize = 64

// storeWriter runs store writes in order on one goroutine, so slow disks
// never hold up the delivery goroutine. Before Start, and after Stop,
// writes run inline.
type storeWriter struct {
	logger *slog.Logger

	mu      sync.Mutex
	jobs    chan func()
	running bool
	wg      sync.WaitGroup
}

func newStoreWriter(logger *slog.Logger) *storeWriter {
	return &storeWriter{logger: logger}
}

func (w *storeWriter) start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.jobs = make(chan func(), storeQueueSize)
	w.running = true
	w.wg.Add(1)
	go func(jobs <-chan func()) {
		defer w.wg.Done()
		for job := range jobs {
			job()
		}
	}(w.jobs)
}

// stop drains queued writes and waits for them.
func (w *storeWriter) stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.jobs)
	w.mu.Unlock()
	w.wg.Wait()
}

// enqueue never blocks; a full queue drops the write.
func (w *storeWriter) enqueue(what string, job func()) {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		job()
		return
	}
	select {
	case w.jobs <- job:
	default:
		w.logger.Warn("store queue full, dropping write", "write", what)
	}
	w.mu.Unlock()
}

// sync waits until every write queued before the call has run.
func (w *storeWriter) sync(ctx context.Context) error {
	done := make(chan struct{})
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	select {
	case w.jobs <- func() { close(done) }:
	case <-ctx.Done():
		w.mu.Unlock()
		return ctx.Err()
	}
	w.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
