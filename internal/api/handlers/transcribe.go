package handlers

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/nikhilbhutani/asr-service/internal/transcription"
	"github.com/nikhilbhutani/asr-service/internal/upload"
)

const maxFieldBytes = 1 << 10

// Transcriber runs uploads through the inference pipeline.
type Transcriber interface {
	Ready() bool
	Transcribe(ctx context.Context, f upload.File, opts transcription.Options) (*transcription.Result, error)
	TranscribeSimple(ctx context.Context, f upload.File, language string) (*transcription.SimpleResult, error)
}

type TranscribeHandler struct {
	svc   Transcriber
	store *upload.Store
}

func NewTranscribeHandler(svc Transcriber, store *upload.Store) *TranscribeHandler {
	return &TranscribeHandler{svc: svc, store: store}
}

// Transcribe returns the full transcript with segments.
func (h *TranscribeHandler) Transcribe(w http.ResponseWriter, r *http.Request) {
	if !h.svc.Ready() {
		writeErr(w, r, transcription.ErrNotReady)
		return
	}

	form, err := h.readForm(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	opts, err := parseOptions(form.values)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	result, err := h.svc.Transcribe(r.Context(), form.file, opts)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Simple returns only text and language, like the OpenAI transcription API.
func (h *TranscribeHandler) Simple(w http.ResponseWriter, r *http.Request) {
	if !h.svc.Ready() {
		writeErr(w, r, transcription.ErrNotReady)
		return
	}

	form, err := h.readForm(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	result, err := h.svc.TranscribeSimple(r.Context(), form.file, parseLanguage(form.values.Get("language")))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type uploadForm struct {
	file   upload.File
	values url.Values
}

// readForm streams the multipart body. The "file" part is buffered up to the
// upload limit; other parts become option values and override the query.
func (h *TranscribeHandler) readForm(r *http.Request) (*uploadForm, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, transcription.ErrNoFile
	}

	form := &uploadForm{values: r.URL.Query()}
	found := false
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &transcription.ParamError{Param: "body", Message: "malformed multipart form"}
		}

		switch name := part.FormName(); {
		case name == "file" && !found:
			data, err := h.store.ReadLimited(part)
			if err != nil {
				part.Close()
				return nil, err
			}
			form.file = upload.File{Filename: part.FileName(), Content: bytes.NewReader(data)}
			found = true
		case name != "" && name != "file":
			v, err := io.ReadAll(io.LimitReader(part, maxFieldBytes))
			if err != nil {
				part.Close()
				return nil, &transcription.ParamError{Param: name, Message: "could not read value"}
			}
			form.values.Set(name, strings.TrimSpace(string(v)))
		}
		part.Close()
	}

	if !found {
		return nil, transcription.ErrNoFile
	}
	return form, nil
}

func parseOptions(v url.Values) (transcription.Options, error) {
	opts := transcription.DefaultOptions()
	opts.Language = parseLanguage(v.Get("language"))

	if s := v.Get("task"); s != "" {
		opts.Task = s
	}
	if s := v.Get("beam_size"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return opts, &transcription.ParamError{Param: "beam_size", Message: "must be an integer"}
		}
		opts.BeamSize = n
	}

	var err error
	if opts.WordTimestamps, err = parseBool(v, "word_timestamps", opts.WordTimestamps); err != nil {
		return opts, err
	}
	if opts.VADFilter, err = parseBool(v, "vad_filter", opts.VADFilter); err != nil {
		return opts, err
	}
	return opts, nil
}

func parseBool(v url.Values, key string, def bool) (bool, error) {
	s := v.Get(key)
	if s == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return def, &transcription.ParamError{Param: key, Message: "must be true or false"}
	}
	return b, nil
}

// parseLanguage maps the auto-detect spellings to the empty string.
func parseLanguage(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "null", "none", "auto":
		return ""
	}
	return strings.TrimSpace(s)
}
