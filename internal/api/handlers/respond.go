package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/nikhilbhutani/asr-service/internal/transcription"
	"github.com/nikhilbhutani/asr-service/internal/upload"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Detail  string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// WriteError writes the error envelope with the given status.
func WriteError(w http.ResponseWriter, status int, msg, detail string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Detail: detail})
}

// writeErr maps err to a status code and envelope.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	var (
		paramErr     *transcription.ParamError
		tooLarge     *upload.TooLargeError
		inferenceErr *transcription.InferenceError
	)

	switch {
	case errors.Is(err, transcription.ErrNotReady):
		WriteError(w, http.StatusServiceUnavailable, "Model not loaded yet", "")
	case errors.Is(err, transcription.ErrNoFile):
		WriteError(w, http.StatusBadRequest, "No file provided", "")
	case errors.As(err, &paramErr):
		WriteError(w, http.StatusBadRequest, paramErr.Error(), "")
	case errors.As(err, &tooLarge):
		WriteError(w, http.StatusRequestEntityTooLarge, tooLarge.Error(), "")
	case errors.As(err, &inferenceErr):
		WriteError(w, http.StatusInternalServerError, "Transcription failed", inferenceErr.Err.Error())
	default:
		slog.ErrorContext(r.Context(), "unhandled error", "path", r.URL.Path, "error", err)
		WriteError(w, http.StatusInternalServerError, "Internal server error", "")
	}
}

func NotFound(w http.ResponseWriter, r *http.Request) {
	WriteError(w, http.StatusNotFound, "Not Found", "")
}

func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	WriteError(w, http.StatusMethodNotAllowed, "Method Not Allowed", "")
}
