package stt

import (
	"context"
	"io"
)

const (
	TaskTranscribe = "transcribe"
	TaskTranslate  = "translate"
)

// Request holds the decoding parameters for one transcription.
type Request struct {
	FilePath       string
	Language       string // empty means auto-detect
	Task           string
	BeamSize       int
	WordTimestamps bool
	VADFilter      bool
}

// Info describes the audio as reported by the engine before segments are read.
type Info struct {
	Language            string
	LanguageProbability *float64
	Duration            float64
}

type Word struct {
	Start       float64
	End         float64
	Word        string
	Probability float64
}

// Segment is one time-bounded span of recognised speech.
// AvgLogprob is nil when the engine does not report it.
type Segment struct {
	ID         int
	Start      float64
	End        float64
	Text       string
	AvgLogprob *float64
	Words      []Word
}

// SegmentStream yields segments in chronological order.
// Next returns io.EOF after the last segment. Close must always be called;
// it releases the engine for the next request.
type SegmentStream interface {
	Next() (Segment, error)
	Close() error
}

// Engine is the boundary to the external speech recognition runtime.
type Engine interface {
	Transcribe(ctx context.Context, req Request) (SegmentStream, Info, error)
	Name() string
	Close() error
}

// SliceStream serves segments that are already fully materialised.
type SliceStream struct {
	segments []Segment
	pos      int
}

func NewSliceStream(segments []Segment) *SliceStream {
	return &SliceStream{segments: segments}
}

func (s *SliceStream) Next() (Segment, error) {
	if s.pos >= len(s.segments) {
		return Segment{}, io.EOF
	}
	seg := s.segments[s.pos]
	s.pos++
	return seg, nil
}

func (s *SliceStream) Close() error { return nil }
