package stt

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nikhilbhutani/asr-service/internal/config"
)

// Loader returns the LoadFunc for the backend selected in cfg.
func Loader(cfg *config.Config, logger *slog.Logger) (LoadFunc, error) {
	switch cfg.STT.Backend {
	case config.BackendFasterWhisper:
		return func(ctx context.Context) (Engine, error) {
			logger.Info("loading whisper model",
				"model", cfg.Model.Size,
				"device", cfg.Model.Device,
				"compute_type", cfg.Model.ComputeType,
			)
			return LoadFasterWhisper(ctx, FasterWhisperConfig{
				Python:      cfg.STT.Python,
				ModelSize:   cfg.Model.Size,
				Device:      cfg.Model.Device,
				ComputeType: cfg.Model.ComputeType,
				CacheDir:    cfg.Model.CacheDir,
				NumWorkers:  cfg.Model.NumWorkers,
				Logger:      logger,
			})
		}, nil
	case config.BackendOpenAI:
		return func(ctx context.Context) (Engine, error) {
			logger.Info("using remote whisper server", "base_url", cfg.STT.RemoteBaseURL, "model", cfg.STT.RemoteModel)
			return NewOpenAISTT(OpenAISTTConfig{
				APIKey:  cfg.STT.RemoteAPIKey,
				BaseURL: cfg.STT.RemoteBaseURL,
				Model:   cfg.STT.RemoteModel,
			}), nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown STT backend %q", cfg.STT.Backend)
	}
}
