// Package stttest provides a scripted stt.Engine for tests.
package stttest

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nikhilbhutani/asr-service/internal/stt"
)

// Engine returns a fixed result for every request. When Respond is set it
// takes precedence and can derive the result from the request, for example
// from the uploaded file contents.
type Engine struct {
	Info      stt.Info
	Segments  []stt.Segment
	Err       error // returned from Transcribe
	StreamErr error // returned from Next after all Segments
	Delay     time.Duration
	Respond   func(req stt.Request, audio []byte) (stt.Info, []stt.Segment, error)

	mu       sync.Mutex
	requests []stt.Request
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	closed   atomic.Bool
}

func (e *Engine) Name() string { return "stttest" }

func (e *Engine) Close() error {
	e.closed.Store(true)
	return nil
}

func (e *Engine) Closed() bool { return e.closed.Load() }

// Requests returns a copy of every request seen so far.
func (e *Engine) Requests() []stt.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]stt.Request(nil), e.requests...)
}

// MaxConcurrent is the highest number of simultaneously open streams observed.
func (e *Engine) MaxConcurrent() int {
	return int(e.maxSeen.Load())
}

func (e *Engine) Transcribe(ctx context.Context, req stt.Request) (stt.SegmentStream, stt.Info, error) {
	e.mu.Lock()
	e.requests = append(e.requests, req)
	e.mu.Unlock()

	n := e.inFlight.Add(1)
	for {
		m := e.maxSeen.Load()
		if n <= m || e.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	release := func() { e.inFlight.Add(-1) }

	if e.Delay > 0 {
		select {
		case <-time.After(e.Delay):
		case <-ctx.Done():
			release()
			return nil, stt.Info{}, ctx.Err()
		}
	}

	info, segments, err := e.Info, e.Segments, e.Err
	if e.Respond != nil {
		audio, readErr := os.ReadFile(req.FilePath)
		if readErr != nil {
			release()
			return nil, stt.Info{}, readErr
		}
		info, segments, err = e.Respond(req, audio)
	}
	if err != nil {
		release()
		return nil, stt.Info{}, err
	}

	return &stream{segments: segments, err: e.StreamErr, release: release}, info, nil
}

type stream struct {
	segments []stt.Segment
	pos      int
	err      error
	release  func()
	once     sync.Once
}

func (s *stream) Next() (stt.Segment, error) {
	if s.pos < len(s.segments) {
		seg := s.segments[s.pos]
		s.pos++
		return seg, nil
	}
	if s.err != nil {
		return stt.Segment{}, s.err
	}
	return stt.Segment{}, io.EOF
}

func (s *stream) Close() error {
	s.once.Do(s.release)
	return nil
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }
