package transcription

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nikhilbhutani/asr-service/internal/cleanup"
	"github.com/nikhilbhutani/asr-service/internal/metrics"
	"github.com/nikhilbhutani/asr-service/internal/stt"
	"github.com/nikhilbhutani/asr-service/internal/stt/stttest"
	"github.com/nikhilbhutani/asr-service/internal/upload"
)

type fixture struct {
	pipeline *Pipeline
	cleaner  *cleanup.Worker
	dir      string
}

func newFixture(t *testing.T, engine stt.Engine, limit int64, cfg Config) *fixture {
	t.Helper()
	dir := t.TempDir()
	cleaner, err := cleanup.NewWorker(2, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cleaner.Close(time.Second) })

	handle := stt.NewHandle()
	if engine != nil {
		handle.Set(engine)
	}
	p := NewPipeline(handle, upload.NewStore(dir, limit), cleaner, metrics.New(), cfg, nil)
	return &fixture{pipeline: p, cleaner: cleaner, dir: dir}
}

func (f *fixture) files(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func audio(name, body string) upload.File {
	return upload.File{Filename: name, Content: strings.NewReader(body)}
}

func TestTranscribeMapsEngineOutput(t *testing.T) {
	engine := &stttest.Engine{
		Info: stt.Info{Language: "en", LanguageProbability: stttest.Float(0.98765), Duration: 12.34567},
		Segments: []stt.Segment{
			{ID: 0, Start: 0.12345, End: 1.9996, Text: " hello ", AvgLogprob: stttest.Float(-0.123456)},
			{ID: 1, Start: 2.0, End: 3.5, Text: "world"},
		},
	}
	f := newFixture(t, engine, 1024, Config{})

	res, err := f.pipeline.Transcribe(context.Background(), audio("clip.MP3", "RIFF"), DefaultOptions())
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}

	if !res.Success {
		t.Error("Success = false")
	}
	if res.Text != "hello world" {
		t.Errorf("Text = %q, want %q", res.Text, "hello world")
	}
	if res.Language != "en" {
		t.Errorf("Language = %q", res.Language)
	}
	if res.LanguageProbability == nil || *res.LanguageProbability != 0.9877 {
		t.Errorf("LanguageProbability = %v, want 0.9877", res.LanguageProbability)
	}
	if res.Duration != 12.346 {
		t.Errorf("Duration = %v, want 12.346", res.Duration)
	}
	if len(res.Segments) != 2 {
		t.Fatalf("got %d segments, want 2", len(res.Segments))
	}
	first := res.Segments[0]
	if first.Start != 0.123 || first.End != 2.0 || first.Text != "hello" {
		t.Errorf("first segment = %+v", first)
	}
	if first.Confidence == nil || *first.Confidence != -0.1235 {
		t.Errorf("first confidence = %v, want -0.1235", first.Confidence)
	}
	if res.Segments[1].Confidence != nil {
		t.Errorf("second confidence = %v, want nil", *res.Segments[1].Confidence)
	}
	if res.ProcessingTime < 0 {
		t.Errorf("ProcessingTime = %v", res.ProcessingTime)
	}

	reqs := engine.Requests()
	if len(reqs) != 1 {
		t.Fatalf("engine saw %d requests", len(reqs))
	}
	if !strings.HasSuffix(reqs[0].FilePath, ".mp3") {
		t.Errorf("FilePath = %q, want .mp3 extension", reqs[0].FilePath)
	}
	if reqs[0].BeamSize != DefaultBeamSize || !reqs[0].VADFilter || reqs[0].Task != stt.TaskTranscribe {
		t.Errorf("request = %+v", reqs[0])
	}

	f.cleaner.Wait()
	if left := f.files(t); len(left) != 0 {
		t.Errorf("temp files left after cleanup: %v", left)
	}
}

func TestTranscribeTextMatchesSegments(t *testing.T) {
	engine := &stttest.Engine{
		Info: stt.Info{Language: "vi", Duration: 3},
		Segments: []stt.Segment{
			{ID: 0, Start: 0, End: 1, Text: " xin chào"},
			{ID: 1, Start: 1, End: 2, Text: "các bạn "},
			{ID: 2, Start: 2, End: 3, Text: "  "},
		},
	}
	f := newFixture(t, engine, 1024, Config{})

	res, err := f.pipeline.Transcribe(context.Background(), audio("a.wav", "x"), DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	var parts []string
	for _, s := range res.Segments {
		parts = append(parts, s.Text)
	}
	if want := strings.Join(parts, " "); res.Text != want {
		t.Errorf("Text = %q, want %q", res.Text, want)
	}
}

func TestTranscribeWithoutSegments(t *testing.T) {
	f := newFixture(t, &stttest.Engine{Info: stt.Info{Language: "en"}}, 1024, Config{})

	res, err := f.pipeline.Transcribe(context.Background(), audio("silence.wav", "x"), DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "" {
		t.Errorf("Text = %q, want empty", res.Text)
	}
	if res.Segments == nil || len(res.Segments) != 0 {
		t.Errorf("Segments = %#v, want empty non-nil slice", res.Segments)
	}
}

func TestTranscribeWordTimestamps(t *testing.T) {
	engine := &stttest.Engine{
		Info: stt.Info{Language: "en", Duration: 1},
		Segments: []stt.Segment{{
			ID: 0, Start: 0, End: 1, Text: "hi there",
			Words: []stt.Word{
				{Start: 0, End: 0.4444, Word: " hi", Probability: 0.99999},
				{Start: 0.5, End: 1, Word: " there", Probability: 0.5},
			},
		}},
	}
	f := newFixture(t, engine, 1024, Config{})

	opts := DefaultOptions()
	opts.WordTimestamps = true
	res, err := f.pipeline.Transcribe(context.Background(), audio("a.wav", "x"), opts)
	if err != nil {
		t.Fatal(err)
	}
	if !engine.Requests()[0].WordTimestamps {
		t.Error("word timestamps not forwarded to engine")
	}
	words := res.Segments[0].Words
	if len(words) != 2 {
		t.Fatalf("got %d words", len(words))
	}
	if words[0].End != 0.444 || words[0].Probability != 1 {
		t.Errorf("first word = %+v", words[0])
	}
}

func TestTranscribeFallsBackToRequestedLanguage(t *testing.T) {
	f := newFixture(t, &stttest.Engine{Segments: []stt.Segment{{Text: "x"}}}, 1024, Config{})

	opts := DefaultOptions()
	opts.Language = "vi"
	res, err := f.pipeline.Transcribe(context.Background(), audio("a.wav", "x"), opts)
	if err != nil {
		t.Fatal(err)
	}
	if res.Language != "vi" {
		t.Errorf("Language = %q, want vi", res.Language)
	}
}

func TestTranscribeNotReady(t *testing.T) {
	f := newFixture(t, nil, 1024, Config{})

	_, err := f.pipeline.Transcribe(context.Background(), audio("a.wav", "data"), DefaultOptions())
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("err = %v, want ErrNotReady", err)
	}
	if left := f.files(t); len(left) != 0 {
		t.Errorf("files written while not ready: %v", left)
	}
	if f.pipeline.Ready() {
		t.Error("Ready() = true")
	}
}

func TestTranscribeValidation(t *testing.T) {
	engine := &stttest.Engine{}
	f := newFixture(t, engine, 1024, Config{})

	tests := []struct {
		name  string
		file  upload.File
		opts  func(*Options)
		want  error
		param string
	}{
		{name: "no filename", file: audio("", "x"), want: ErrNoFile},
		{name: "beam too small", file: audio("a.wav", "x"), opts: func(o *Options) { o.BeamSize = 0 }, param: "beam_size"},
		{name: "beam too large", file: audio("a.wav", "x"), opts: func(o *Options) { o.BeamSize = 11 }, param: "beam_size"},
		{name: "bad task", file: audio("a.wav", "x"), opts: func(o *Options) { o.Task = "summarize" }, param: "task"},
		{name: "bad language", file: audio("a.wav", "x"), opts: func(o *Options) { o.Language = "../etc" }, param: "language"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			if tt.opts != nil {
				tt.opts(&opts)
			}
			_, err := f.pipeline.Transcribe(context.Background(), tt.file, opts)
			if tt.want != nil {
				if !errors.Is(err, tt.want) {
					t.Fatalf("err = %v, want %v", err, tt.want)
				}
				return
			}
			var pe *ParamError
			if !errors.As(err, &pe) {
				t.Fatalf("err = %v, want *ParamError", err)
			}
			if pe.Param != tt.param {
				t.Errorf("Param = %q, want %q", pe.Param, tt.param)
			}
		})
	}

	if n := len(engine.Requests()); n != 0 {
		t.Errorf("engine called %d times for invalid requests", n)
	}
	if left := f.files(t); len(left) != 0 {
		t.Errorf("files written for invalid requests: %v", left)
	}
}

func TestTranscribeTooLarge(t *testing.T) {
	engine := &stttest.Engine{}
	f := newFixture(t, engine, 10, Config{})

	_, err := f.pipeline.Transcribe(context.Background(), audio("big.wav", strings.Repeat("a", 20)), DefaultOptions())
	var tooLarge *upload.TooLargeError
	if !errors.As(err, &tooLarge) {
		t.Fatalf("err = %v, want *upload.TooLargeError", err)
	}
	if tooLarge.Size != 20 || tooLarge.Limit != 10 {
		t.Errorf("TooLargeError = %+v", tooLarge)
	}
	if left := f.files(t); len(left) != 0 {
		t.Errorf("oversized upload left files: %v", left)
	}
	if len(engine.Requests()) != 0 {
		t.Error("engine called for oversized upload")
	}
}

func TestTranscribeEngineErrorRemovesFile(t *testing.T) {
	cause := errors.New("decoder exploded")
	f := newFixture(t, &stttest.Engine{Err: cause}, 1024, Config{})

	_, err := f.pipeline.Transcribe(context.Background(), audio("a.wav", "x"), DefaultOptions())
	var ie *InferenceError
	if !errors.As(err, &ie) {
		t.Fatalf("err = %v, want *InferenceError", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("err does not wrap cause: %v", err)
	}
	if left := f.files(t); len(left) != 0 {
		t.Errorf("temp file not removed on failure: %v", left)
	}
}

func TestTranscribeStreamError(t *testing.T) {
	engine := &stttest.Engine{
		Segments:  []stt.Segment{{Text: "partial"}},
		StreamErr: errors.New("stream broke"),
	}
	f := newFixture(t, engine, 1024, Config{})

	res, err := f.pipeline.Transcribe(context.Background(), audio("a.wav", "x"), DefaultOptions())
	var ie *InferenceError
	if !errors.As(err, &ie) {
		t.Fatalf("err = %v, want *InferenceError", err)
	}
	if res != nil {
		t.Errorf("partial result returned: %+v", res)
	}
	if left := f.files(t); len(left) != 0 {
		t.Errorf("temp file not removed on failure: %v", left)
	}
}

func TestTranscribeEmptyFileReachesEngine(t *testing.T) {
	engine := &stttest.Engine{
		Respond: func(_ stt.Request, audio []byte) (stt.Info, []stt.Segment, error) {
			if len(audio) == 0 {
				return stt.Info{}, nil, errors.New("invalid data found when processing input")
			}
			return stt.Info{}, nil, nil
		},
	}
	f := newFixture(t, engine, 1024, Config{})

	_, err := f.pipeline.Transcribe(context.Background(), audio("empty.wav", ""), DefaultOptions())
	var ie *InferenceError
	if !errors.As(err, &ie) {
		t.Fatalf("err = %v, want *InferenceError", err)
	}
}

func TestConcurrentRequestsAreIsolated(t *testing.T) {
	engine := &stttest.Engine{
		Delay: 5 * time.Millisecond,
		Respond: func(_ stt.Request, audio []byte) (stt.Info, []stt.Segment, error) {
			return stt.Info{Language: "en", Duration: 1}, []stt.Segment{{Text: string(audio)}}, nil
		},
	}
	f := newFixture(t, engine, 1024, Config{MaxConcurrent: 3})

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := fmt.Sprintf("request-%02d", i)
			res, err := f.pipeline.Transcribe(context.Background(), audio("a.wav", body), DefaultOptions())
			if err != nil {
				errs <- err
				return
			}
			if res.Text != body {
				errs <- fmt.Errorf("request %d got text %q", i, res.Text)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	if got := engine.MaxConcurrent(); got > 3 {
		t.Errorf("engine saw %d concurrent calls, want at most 3", got)
	}

	f.cleaner.Wait()
	if left := f.files(t); len(left) != 0 {
		t.Errorf("temp files left: %v", left)
	}
}

func TestWaitingForSlotHonoursContext(t *testing.T) {
	entered := make(chan struct{})
	gate := make(chan struct{})
	engine := &stttest.Engine{
		Respond: func(_ stt.Request, audio []byte) (stt.Info, []stt.Segment, error) {
			if bytes.Equal(audio, []byte("first")) {
				close(entered)
				<-gate
			}
			return stt.Info{}, nil, nil
		},
	}
	f := newFixture(t, engine, 1024, Config{MaxConcurrent: 1})

	done := make(chan error, 1)
	go func() {
		_, err := f.pipeline.Transcribe(context.Background(), audio("a.wav", "first"), DefaultOptions())
		done <- err
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := f.pipeline.Transcribe(ctx, audio("b.wav", "second"), DefaultOptions())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}

	close(gate)
	if err := <-done; err != nil {
		t.Errorf("first request: %v", err)
	}
	f.cleaner.Wait()
	if left := f.files(t); len(left) != 0 {
		t.Errorf("temp files left: %v", left)
	}
}

func TestTranscribeSimpleMatchesFull(t *testing.T) {
	engine := &stttest.Engine{
		Info: stt.Info{Language: "en", LanguageProbability: stttest.Float(0.9), Duration: 2},
		Segments: []stt.Segment{
			{ID: 0, Start: 0, End: 1, Text: " one"},
			{ID: 1, Start: 1, End: 2, Text: " two "},
		},
	}
	f := newFixture(t, engine, 1024, Config{DefaultBeamSize: 3})

	full, err := f.pipeline.Transcribe(context.Background(), audio("a.wav", "x"), DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	simple, err := f.pipeline.TranscribeSimple(context.Background(), audio("a.wav", "x"), "")
	if err != nil {
		t.Fatal(err)
	}
	if simple.Text != full.Text || simple.Language != full.Language {
		t.Errorf("simple = %+v, full text %q language %q", simple, full.Text, full.Language)
	}

	req := engine.Requests()[1]
	if req.BeamSize != 3 || !req.VADFilter || req.Task != stt.TaskTranscribe || req.WordTimestamps {
		t.Errorf("simple request = %+v", req)
	}
}

func TestTranscribeSimpleDefaultsMissingFilename(t *testing.T) {
	engine := &stttest.Engine{Segments: []stt.Segment{{Text: "ok"}}}
	f := newFixture(t, engine, 1024, Config{})

	res, err := f.pipeline.TranscribeSimple(context.Background(), audio("", "x"), "en")
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "ok" || res.Language != "en" {
		t.Errorf("res = %+v", res)
	}
	if !strings.HasSuffix(engine.Requests()[0].FilePath, upload.DefaultExt) {
		t.Errorf("FilePath = %q", engine.Requests()[0].FilePath)
	}
}

func TestTranscribeSimpleNotReady(t *testing.T) {
	f := newFixture(t, nil, 1024, Config{})
	if _, err := f.pipeline.TranscribeSimple(context.Background(), audio("a.wav", "x"), ""); !errors.Is(err, ErrNotReady) {
		t.Fatalf("err = %v, want ErrNotReady", err)
	}
}
