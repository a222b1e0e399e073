package transcription

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nikhilbhutani/asr-service/internal/cleanup"
	"github.com/nikhilbhutani/asr-service/internal/metrics"
	"github.com/nikhilbhutani/asr-service/internal/stt"
	"github.com/nikhilbhutani/asr-service/internal/upload"
)

type Config struct {
	// MaxConcurrent bounds simultaneous engine calls across all requests.
	MaxConcurrent int
	// DefaultBeamSize is used by TranscribeSimple.
	DefaultBeamSize int
}

// Pipeline runs validate, persist, infer, map and cleanup for one upload.
type Pipeline struct {
	handle      *stt.Handle
	store       *upload.Store
	cleaner     *cleanup.Worker
	metrics     *metrics.Metrics
	sem         *semaphore.Weighted
	defaultBeam int
	log         *slog.Logger
}

func NewPipeline(handle *stt.Handle, store *upload.Store, cleaner *cleanup.Worker, m *metrics.Metrics, cfg Config, logger *slog.Logger) *Pipeline {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.DefaultBeamSize == 0 {
		cfg.DefaultBeamSize = DefaultBeamSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		handle:      handle,
		store:       store,
		cleaner:     cleaner,
		metrics:     m,
		sem:         semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		defaultBeam: cfg.DefaultBeamSize,
		log:         logger,
	}
}

func (p *Pipeline) Ready() bool { return p.handle.Ready() }

// Transcribe returns the full transcript with per-segment timing.
func (p *Pipeline) Transcribe(ctx context.Context, f upload.File, opts Options) (*Result, error) {
	engine, ok := p.handle.Engine()
	if !ok {
		return nil, ErrNotReady
	}
	if f.Filename == "" {
		return nil, ErrNoFile
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	var (
		segments []Segment
		texts    []string
	)
	info, elapsed, err := p.run(ctx, engine, f, opts.request(), func(s stt.Segment) {
		seg := mapSegment(s)
		segments = append(segments, seg)
		texts = append(texts, seg.Text)
	})
	if err != nil {
		return nil, err
	}
	if segments == nil {
		segments = []Segment{}
	}

	res := &Result{
		Success:             true,
		Text:                joinText(texts),
		Language:            languageOf(info, opts),
		LanguageProbability: roundPtr(info.LanguageProbability, 4),
		Duration:            round(info.Duration, 3),
		Segments:            segments,
		ProcessingTime:      round(elapsed.Seconds(), 3),
	}

	attrs := []any{
		"file", f.Filename,
		"segments", len(segments),
		"audio_seconds", res.Duration,
		"language", res.Language,
		"took_seconds", res.ProcessingTime,
	}
	if res.LanguageProbability != nil {
		attrs = append(attrs, "language_probability", *res.LanguageProbability)
	}
	p.log.InfoContext(ctx, "transcribed", attrs...)
	return res, nil
}

// TranscribeSimple returns only text and language, decoding with the
// configured beam size and VAD enabled.
func (p *Pipeline) TranscribeSimple(ctx context.Context, f upload.File, language string) (*SimpleResult, error) {
	engine, ok := p.handle.Engine()
	if !ok {
		return nil, ErrNotReady
	}
	opts := Options{
		Language:  language,
		Task:      stt.TaskTranscribe,
		BeamSize:  p.defaultBeam,
		VADFilter: true,
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	var texts []string
	info, _, err := p.run(ctx, engine, f, opts.request(), func(s stt.Segment) {
		texts = append(texts, strings.TrimSpace(s.Text))
	})
	if err != nil {
		return nil, err
	}
	return &SimpleResult{Text: joinText(texts), Language: languageOf(info, opts)}, nil
}

// run persists the upload, invokes the engine and drains its stream into
// collect. The temp file is handed to the cleanup worker on success and
// removed before returning on every other path.
func (p *Pipeline) run(ctx context.Context, engine stt.Engine, f upload.File, req stt.Request, collect func(stt.Segment)) (stt.Info, time.Duration, error) {
	art, err := p.store.Save(f)
	if err != nil {
		return stt.Info{}, 0, err
	}
	p.metrics.UploadBytes.Observe(float64(art.Size))

	scheduled := false
	defer func() {
		if !scheduled {
			p.cleaner.RemoveNow(art)
		}
	}()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return stt.Info{}, 0, &InferenceError{Err: err}
	}
	defer p.sem.Release(1)

	p.metrics.InferencesInFlight.Inc()
	defer p.metrics.InferencesInFlight.Dec()

	req.FilePath = art.Path
	start := time.Now()
	info, err := decode(ctx, engine, req, collect)
	elapsed := time.Since(start)
	if err != nil {
		p.metrics.ObserveInference("error", elapsed)
		p.log.ErrorContext(ctx, "transcription failed", "file", f.Filename, "error", err)
		return stt.Info{}, elapsed, &InferenceError{Err: err}
	}
	p.metrics.ObserveInference("ok", elapsed)
	p.metrics.AudioSeconds.Observe(info.Duration)

	p.cleaner.Schedule(art)
	scheduled = true
	return info, elapsed, nil
}

func decode(ctx context.Context, engine stt.Engine, req stt.Request, collect func(stt.Segment)) (stt.Info, error) {
	stream, info, err := engine.Transcribe(ctx, req)
	if err != nil {
		return stt.Info{}, err
	}
	defer stream.Close()

	for {
		seg, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return info, nil
		}
		if err != nil {
			return stt.Info{}, err
		}
		collect(seg)
	}
}

func languageOf(info stt.Info, opts Options) string {
	if info.Language != "" {
		return info.Language
	}
	return opts.Language
}
