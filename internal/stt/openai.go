package stt

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAISTTConfig holds configuration for an OpenAI-compatible STT server.
type OpenAISTTConfig struct {
	APIKey  string
	BaseURL string // default: "https://api.openai.com/v1"
	Model   string // default: "whisper-1"
}

// OpenAISTT transcribes audio through the /audio/transcriptions API of
// OpenAI or a compatible server (faster-whisper-server, whisper.cpp).
// Beam size, VAD and word timestamps cannot be expressed over this API and
// are not forwarded. The client is safe for concurrent use.
type OpenAISTT struct {
	cfg    OpenAISTTConfig
	client *openai.Client
}

// NewOpenAISTT creates an OpenAISTT with sensible defaults applied.
func NewOpenAISTT(cfg OpenAISTTConfig) *OpenAISTT {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = openai.Whisper1
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	clientCfg.HTTPClient = &http.Client{Timeout: 30 * time.Minute}

	return &OpenAISTT{
		cfg:    cfg,
		client: openai.NewClientWithConfig(clientCfg),
	}
}

func (o *OpenAISTT) Name() string { return "openai-compatible" }

func (o *OpenAISTT) Close() error { return nil }

// Transcribe uploads the file and returns the verbose_json segments.
func (o *OpenAISTT) Transcribe(ctx context.Context, req Request) (SegmentStream, Info, error) {
	audioReq := openai.AudioRequest{
		Model:    o.cfg.Model,
		FilePath: req.FilePath,
		Language: req.Language,
		Format:   openai.AudioResponseFormatVerboseJSON,
	}

	var (
		resp openai.AudioResponse
		err  error
	)
	if req.Task == TaskTranslate {
		resp, err = o.client.CreateTranslation(ctx, audioReq)
	} else {
		resp, err = o.client.CreateTranscription(ctx, audioReq)
	}
	if err != nil {
		return nil, Info{}, fmt.Errorf("transcription request: %w", err)
	}

	segments := make([]Segment, 0, len(resp.Segments))
	for _, s := range resp.Segments {
		avg := s.AvgLogprob
		segments = append(segments, Segment{
			ID:         s.ID,
			Start:      s.Start,
			End:        s.End,
			Text:       s.Text,
			AvgLogprob: &avg,
		})
	}
	if len(segments) == 0 && strings.TrimSpace(resp.Text) != "" {
		// Some servers omit segments for short clips.
		segments = append(segments, Segment{End: resp.Duration, Text: resp.Text})
	}

	info := Info{
		Language: resp.Language,
		Duration: resp.Duration,
	}
	return NewSliceStream(segments), info, nil
}
