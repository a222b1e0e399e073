package transcription

import (
	"math"
	"regexp"
	"strings"

	"github.com/nikhilbhutani/asr-service/internal/stt"
)

const (
	DefaultBeamSize = 5
	MinBeamSize     = 1
	MaxBeamSize     = 10
)

var languagePattern = regexp.MustCompile(`^[A-Za-z]{2,8}(-[A-Za-z0-9]{1,8})?$`)

// Options are the per-request decoding parameters.
type Options struct {
	Language       string
	Task           string
	BeamSize       int
	WordTimestamps bool
	VADFilter      bool
}

// DefaultOptions matches the defaults of the /transcribe endpoint.
func DefaultOptions() Options {
	return Options{
		Task:      stt.TaskTranscribe,
		BeamSize:  DefaultBeamSize,
		VADFilter: true,
	}
}

func (o Options) Validate() error {
	if o.BeamSize < MinBeamSize || o.BeamSize > MaxBeamSize {
		return &ParamError{Param: "beam_size", Message: "must be between 1 and 10"}
	}
	if o.Task != stt.TaskTranscribe && o.Task != stt.TaskTranslate {
		return &ParamError{Param: "task", Message: "must be 'transcribe' or 'translate'"}
	}
	if o.Language != "" && !languagePattern.MatchString(o.Language) {
		return &ParamError{Param: "language", Message: "must be a language code such as 'vi' or 'en'"}
	}
	return nil
}

func (o Options) request() stt.Request {
	return stt.Request{
		Language:       o.Language,
		Task:           o.Task,
		BeamSize:       o.BeamSize,
		WordTimestamps: o.WordTimestamps,
		VADFilter:      o.VADFilter,
	}
}

type Word struct {
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Word        string  `json:"word"`
	Probability float64 `json:"probability"`
}

// Segment is the public shape of one transcript span. Confidence is null
// when the engine does not report one.
type Segment struct {
	ID         int      `json:"id"`
	Start      float64  `json:"start"`
	End        float64  `json:"end"`
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence"`
	Words      []Word   `json:"words,omitempty"`
}

// Result is the full /transcribe response.
type Result struct {
	Success             bool      `json:"success"`
	Text                string    `json:"text"`
	Language            string    `json:"language"`
	LanguageProbability *float64  `json:"language_probability"`
	Duration            float64   `json:"duration"`
	Segments            []Segment `json:"segments"`
	ProcessingTime      float64   `json:"processing_time"`
}

// SimpleResult mirrors the OpenAI transcription response.
type SimpleResult struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

func mapSegment(s stt.Segment) Segment {
	out := Segment{
		ID:         s.ID,
		Start:      round(s.Start, 3),
		End:        round(s.End, 3),
		Text:       strings.TrimSpace(s.Text),
		Confidence: roundPtr(s.AvgLogprob, 4),
	}
	if out.End < out.Start {
		out.End = out.Start
	}
	for _, w := range s.Words {
		out.Words = append(out.Words, Word{
			Start:       round(w.Start, 3),
			End:         round(w.End, 3),
			Word:        w.Word,
			Probability: round(w.Probability, 4),
		})
	}
	return out
}

// joinText concatenates trimmed segment texts with single spaces.
func joinText(parts []string) string {
	return strings.Join(parts, " ")
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func roundPtr(v *float64, places int) *float64 {
	if v == nil {
		return nil
	}
	r := round(*v, places)
	return &r
}
