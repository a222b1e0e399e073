package cleanup

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
)

// Removable is anything that can delete its own backing resource.
type Removable interface {
	Remove() error
}

// Worker deletes request artifacts off the response path. Failures are
// logged and counted, never returned to the caller.
type Worker struct {
	pool     *ants.Pool
	log      *slog.Logger
	onFail   func()
	inflight sync.WaitGroup
}

type Option func(*Worker)

// WithFailureHook is called once per failed deletion.
func WithFailureHook(fn func()) Option {
	return func(w *Worker) { w.onFail = fn }
}

func NewWorker(size int, logger *slog.Logger, opts ...Option) (*Worker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{log: logger, onFail: func() {}}
	for _, opt := range opts {
		opt(w)
	}

	pool, err := ants.NewPool(size,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p interface{}) {
			w.log.Error("cleanup task panicked", "panic", p)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create cleanup pool: %w", err)
	}
	w.pool = pool
	return w, nil
}

// Schedule queues r for deletion and returns immediately. If the pool is
// saturated or closed the deletion runs on its own goroutine instead, so a
// scheduled artifact is never dropped.
func (w *Worker) Schedule(r Removable) {
	w.inflight.Add(1)
	task := func() {
		defer w.inflight.Done()
		w.RemoveNow(r)
	}
	if err := w.pool.Submit(task); err != nil {
		if !errors.Is(err, ants.ErrPoolOverload) && !errors.Is(err, ants.ErrPoolClosed) {
			w.log.Warn("cleanup pool rejected task", "error", err)
		}
		go task()
	}
}

// RemoveNow deletes r on the calling goroutine.
func (w *Worker) RemoveNow(r Removable) {
	if err := r.Remove(); err != nil {
		w.onFail()
		w.log.Warn("failed to cleanup temp file", "error", err)
		return
	}
	w.log.Debug("cleaned up temp file")
}

// Wait blocks until every scheduled deletion has finished.
func (w *Worker) Wait() {
	w.inflight.Wait()
}

// Close waits up to timeout for pending deletions and stops the pool.
func (w *Worker) Close(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		w.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		w.log.Warn("cleanup did not drain before timeout", "running", w.pool.Running())
	}
	return w.pool.ReleaseTimeout(timeout)
}
