package handlers

import (
	"net/http"

	"github.com/nikhilbhutani/asr-service/internal/config"
)

const (
	serviceName    = "ASR Service"
	serviceVersion = "1.0.0"
	totalLanguages = 99
)

var commonLanguages = map[string]string{
	"vi": "Vietnamese",
	"en": "English",
	"zh": "Chinese",
	"ja": "Japanese",
	"ko": "Korean",
	"th": "Thai",
	"id": "Indonesian",
	"ms": "Malay",
	"fr": "French",
	"de": "German",
	"es": "Spanish",
	"it": "Italian",
	"pt": "Portuguese",
	"ru": "Russian",
	"ar": "Arabic",
	"hi": "Hindi",
}

// Readiness reports whether the inference engine can take requests.
type Readiness interface {
	Ready() bool
}

type HealthHandler struct {
	model     config.ModelConfig
	readiness Readiness
}

func NewHealthHandler(model config.ModelConfig, readiness Readiness) *HealthHandler {
	return &HealthHandler{model: model, readiness: readiness}
}

type healthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
	ModelSize   string `json:"model_size"`
	Device      string `json:"device"`
	ComputeType string `json:"compute_type"`
}

// Health always answers 200; status is "loading" until the engine is ready.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ready := h.readiness.Ready()
	status := "loading"
	if ready {
		status = "healthy"
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      status,
		ModelLoaded: ready,
		ModelSize:   h.model.Size,
		Device:      h.model.Device,
		ComputeType: h.model.ComputeType,
	})
}

func (h *HealthHandler) Root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": serviceName,
		"model":   "whisper-" + h.model.Size,
		"version": serviceVersion,
	})
}

func (h *HealthHandler) Languages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"supported":       commonLanguages,
		"total_languages": totalLanguages,
		"note":            "Set language=null for auto-detection",
	})
}
