package stt

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// LoadFunc constructs an engine. It may block for a long time.
type LoadFunc func(ctx context.Context) (Engine, error)

type loaded struct {
	engine Engine
}

// Handle is the process-wide reference to the inference engine. It starts
// empty and becomes ready exactly once, when Load succeeds. Readers never
// block on it.
type Handle struct {
	current atomic.Pointer[loaded]
}

func NewHandle() *Handle {
	return &Handle{}
}

// Load runs fn and publishes the engine it returns.
func (h *Handle) Load(ctx context.Context, fn LoadFunc) error {
	start := time.Now()
	engine, err := fn(ctx)
	if err != nil {
		return fmt.Errorf("load engine: %w", err)
	}
	if !h.current.CompareAndSwap(nil, &loaded{engine: engine}) {
		engine.Close()
		return fmt.Errorf("load engine: already loaded")
	}
	slog.Info("model loaded", "engine", engine.Name(), "seconds", time.Since(start).Seconds())
	return nil
}

// Set publishes an already constructed engine.
func (h *Handle) Set(engine Engine) {
	h.current.Store(&loaded{engine: engine})
}

// Engine returns the engine if it is ready to serve requests.
func (h *Handle) Engine() (Engine, bool) {
	l := h.current.Load()
	if l == nil {
		return nil, false
	}
	if a, ok := l.engine.(interface{ Alive() bool }); ok && !a.Alive() {
		return nil, false
	}
	return l.engine, true
}

func (h *Handle) Ready() bool {
	_, ok := h.Engine()
	return ok
}

// Close releases the engine, if any. The handle is not ready afterwards.
func (h *Handle) Close() error {
	l := h.current.Swap(nil)
	if l == nil {
		return nil
	}
	return l.engine.Close()
}
