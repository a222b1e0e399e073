package stt

import (
	"bufio"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"
)

//go:embed assets/faster_whisper_worker.py
var workerScript []byte

// ErrWorkerExited is returned once the worker process is gone.
var ErrWorkerExited = errors.New("faster-whisper worker exited")

const maxWorkerLine = 16 << 20

// FasterWhisperConfig holds configuration for the faster-whisper worker backend.
type FasterWhisperConfig struct {
	Python      string // default: "python3"
	ModelSize   string
	Device      string
	ComputeType string
	CacheDir    string
	NumWorkers  int
	ScriptDir   string // where the embedded worker script is written; default: os.TempDir()
	Logger      *slog.Logger
}

// FasterWhisper drives a long-lived Python worker that keeps the model in
// memory. The worker decodes one file at a time, so requests are serialised:
// the lock is held from the moment a request is written until its stream is
// closed.
type FasterWhisper struct {
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	scriptPath string
	log        *slog.Logger

	lines   chan []byte
	lock    chan struct{}
	exited  chan struct{}
	waitErr error
}

type workerRequest struct {
	Path           string `json:"path"`
	Language       string `json:"language,omitempty"`
	Task           string `json:"task"`
	BeamSize       int    `json:"beam_size"`
	WordTimestamps bool   `json:"word_timestamps"`
	VADFilter      bool   `json:"vad_filter"`
}

type workerWord struct {
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Word        string  `json:"word"`
	Probability float64 `json:"probability"`
}

type workerEvent struct {
	Event   string `json:"event"`
	Message string `json:"message"`

	// info
	Language            string   `json:"language"`
	LanguageProbability *float64 `json:"language_probability"`
	Duration            float64  `json:"duration"`

	// segment
	ID         int          `json:"id"`
	Start      float64      `json:"start"`
	End        float64      `json:"end"`
	Text       string       `json:"text"`
	AvgLogprob *float64     `json:"avg_logprob"`
	Words      []workerWord `json:"words"`
}

func (e workerEvent) segment() Segment {
	seg := Segment{
		ID:         e.ID,
		Start:      e.Start,
		End:        e.End,
		Text:       e.Text,
		AvgLogprob: e.AvgLogprob,
	}
	for _, w := range e.Words {
		seg.Words = append(seg.Words, Word(w))
	}
	return seg
}

// LoadFasterWhisper starts the worker and blocks until the model is loaded.
// Loading large models can take tens of seconds; ctx bounds the wait.
func LoadFasterWhisper(ctx context.Context, cfg FasterWhisperConfig) (*FasterWhisper, error) {
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	if cfg.ScriptDir == "" {
		cfg.ScriptDir = os.TempDir()
	}
	if cfg.NumWorkers < 1 {
		cfg.NumWorkers = 1
	}

	scriptPath, err := writeWorkerScript(cfg.ScriptDir)
	if err != nil {
		return nil, err
	}

	args := []string{
		scriptPath,
		"--model", cfg.ModelSize,
		"--device", cfg.Device,
		"--compute-type", cfg.ComputeType,
		"--num-workers", strconv.Itoa(cfg.NumWorkers),
	}
	if cfg.CacheDir != "" {
		args = append(args, "--download-root", cfg.CacheDir)
	}

	// The worker outlives ctx, so it is not bound to it.
	cmd := exec.Command(cfg.Python, args...)
	cmd.Env = os.Environ()

	fw, err := startWorker(ctx, cmd, cfg.Logger)
	if err != nil {
		os.Remove(scriptPath)
		return nil, err
	}
	fw.scriptPath = scriptPath
	return fw, nil
}

func writeWorkerScript(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create script dir: %w", err)
	}
	f, err := os.CreateTemp(dir, "faster_whisper_worker-*.py")
	if err != nil {
		return "", fmt.Errorf("create worker script: %w", err)
	}
	if _, err := f.Write(workerScript); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write worker script: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close worker script: %w", err)
	}
	return f.Name(), nil
}

// startWorker runs cmd and waits for its ready event.
func startWorker(ctx context.Context, cmd *exec.Cmd, logger *slog.Logger) (*FasterWhisper, error) {
	if logger == nil {
		logger = slog.Default()
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}

	fw := &FasterWhisper{
		cmd:    cmd,
		stdin:  stdin,
		log:    logger.With("engine", "faster-whisper", "pid", cmd.Process.Pid),
		lines:  make(chan []byte, 64),
		lock:   make(chan struct{}, 1),
		exited: make(chan struct{}),
	}

	stdoutDone := make(chan struct{})
	stderrDone := make(chan struct{})
	go fw.readStdout(stdout, stdoutDone)
	go fw.forwardStderr(stderr, stderrDone)
	go func() {
		// Wait closes the pipes, so it must not run before the readers finish.
		<-stdoutDone
		<-stderrDone
		fw.waitErr = cmd.Wait()
		close(fw.exited)
	}()

	ev, err := fw.readEvent(ctx)
	if err != nil {
		fw.kill()
		return nil, fmt.Errorf("wait for model load: %w", err)
	}
	switch ev.Event {
	case "ready":
		return fw, nil
	case "error":
		fw.kill()
		return nil, fmt.Errorf("worker: %s", ev.Message)
	default:
		fw.kill()
		return nil, fmt.Errorf("worker: unexpected event %q before ready", ev.Event)
	}
}

func (fw *FasterWhisper) readStdout(r io.Reader, done chan<- struct{}) {
	defer close(done)
	defer close(fw.lines)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxWorkerLine)
	for sc.Scan() {
		line := append([]byte(nil), sc.Bytes()...)
		fw.lines <- line
	}
	if err := sc.Err(); err != nil {
		fw.log.Error("reading worker output", "error", err)
		io.Copy(io.Discard, r)
	}
}

func (fw *FasterWhisper) forwardStderr(r io.Reader, done chan<- struct{}) {
	defer close(done)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxWorkerLine)
	for sc.Scan() {
		fw.log.Info("worker output", "stderr", sc.Text())
	}
	io.Copy(io.Discard, r)
}

// readEvent returns the next protocol event, skipping anything the runtime
// printed to stdout that is not ours.
func (fw *FasterWhisper) readEvent(ctx context.Context) (workerEvent, error) {
	for {
		select {
		case line, ok := <-fw.lines:
			if !ok {
				<-fw.exited
				if fw.waitErr != nil {
					return workerEvent{}, fmt.Errorf("%w: %v", ErrWorkerExited, fw.waitErr)
				}
				return workerEvent{}, ErrWorkerExited
			}
			var ev workerEvent
			if err := json.Unmarshal(line, &ev); err != nil || ev.Event == "" {
				fw.log.Debug("ignoring worker output", "line", string(line))
				continue
			}
			return ev, nil
		case <-ctx.Done():
			return workerEvent{}, ctx.Err()
		}
	}
}

func (fw *FasterWhisper) Name() string { return "faster-whisper" }

// Alive reports whether the worker process is still running.
func (fw *FasterWhisper) Alive() bool {
	select {
	case <-fw.exited:
		return false
	default:
		return true
	}
}

// Transcribe sends one request to the worker. The returned stream holds the
// worker until it is closed.
func (fw *FasterWhisper) Transcribe(ctx context.Context, req Request) (SegmentStream, Info, error) {
	select {
	case fw.lock <- struct{}{}:
	case <-fw.exited:
		return nil, Info{}, ErrWorkerExited
	case <-ctx.Done():
		return nil, Info{}, ctx.Err()
	}
	if !fw.Alive() {
		<-fw.lock
		return nil, Info{}, ErrWorkerExited
	}

	data, err := json.Marshal(workerRequest{
		Path:           req.FilePath,
		Language:       req.Language,
		Task:           req.Task,
		BeamSize:       req.BeamSize,
		WordTimestamps: req.WordTimestamps,
		VADFilter:      req.VADFilter,
	})
	if err != nil {
		<-fw.lock
		return nil, Info{}, fmt.Errorf("marshal request: %w", err)
	}
	if _, err := fw.stdin.Write(append(data, '\n')); err != nil {
		<-fw.lock
		return nil, Info{}, fmt.Errorf("send request: %w", err)
	}

	st := &workerStream{fw: fw, ctx: ctx}
	ev, err := fw.readEvent(ctx)
	if err != nil {
		st.Close()
		return nil, Info{}, err
	}
	switch ev.Event {
	case "info":
		return st, Info{
			Language:            ev.Language,
			LanguageProbability: ev.LanguageProbability,
			Duration:            ev.Duration,
		}, nil
	case "error":
		st.done = true
		st.Close()
		return nil, Info{}, errors.New(ev.Message)
	default:
		st.Close()
		return nil, Info{}, fmt.Errorf("unexpected worker event %q", ev.Event)
	}
}

// Close stops the worker, giving it a moment to exit on its own.
func (fw *FasterWhisper) Close() error {
	fw.stdin.Close()
	select {
	case <-fw.exited:
	case <-time.After(10 * time.Second):
		fw.kill()
	}
	if fw.scriptPath != "" {
		os.Remove(fw.scriptPath)
	}
	return nil
}

func (fw *FasterWhisper) kill() {
	if fw.cmd.Process != nil {
		fw.cmd.Process.Kill()
	}
	<-fw.exited
}

type workerStream struct {
	fw     *FasterWhisper
	ctx    context.Context
	done   bool
	closed bool
	err    error
}

func (s *workerStream) Next() (Segment, error) {
	if s.err != nil {
		return Segment{}, s.err
	}
	if s.done {
		return Segment{}, io.EOF
	}

	ev, err := s.fw.readEvent(s.ctx)
	if err != nil {
		return Segment{}, err
	}
	switch ev.Event {
	case "segment":
		return ev.segment(), nil
	case "done":
		s.done = true
		return Segment{}, io.EOF
	case "error":
		s.done = true
		s.err = errors.New(ev.Message)
		return Segment{}, s.err
	default:
		return Segment{}, fmt.Errorf("unexpected worker event %q", ev.Event)
	}
}

// Close drains whatever the worker still has to say about this request so
// the next request starts on a clean line, then releases the worker.
func (s *workerStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	defer func() { <-s.fw.lock }()

	for !s.done {
		ev, err := s.fw.readEvent(context.Background())
		if err != nil {
			return err
		}
		if ev.Event == "done" || ev.Event == "error" {
			s.done = true
		}
	}
	return nil
}
