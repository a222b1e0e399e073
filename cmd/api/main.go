package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nikhilbhutani/asr-service/internal/api"
	"github.com/nikhilbhutani/asr-service/internal/cleanup"
	"github.com/nikhilbhutani/asr-service/internal/config"
	"github.com/nikhilbhutani/asr-service/internal/logging"
	"github.com/nikhilbhutani/asr-service/internal/metrics"
	"github.com/nikhilbhutani/asr-service/internal/stt"
	"github.com/nikhilbhutani/asr-service/internal/transcription"
	"github.com/nikhilbhutani/asr-service/internal/upload"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stdout, cfg.Log)
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.Upload.TempDir, 0o755); err != nil {
		slog.Error("failed to create temp dir", "dir", cfg.Upload.TempDir, "error", err)
		os.Exit(1)
	}

	m := metrics.New()

	cleaner, err := cleanup.NewWorker(cfg.Cleanup.Workers, logger, cleanup.WithFailureHook(m.CleanupFailures.Inc))
	if err != nil {
		slog.Error("failed to start cleanup worker", "error", err)
		os.Exit(1)
	}

	loader, err := stt.Loader(cfg, logger)
	if err != nil {
		slog.Error("failed to configure engine", "error", err)
		os.Exit(1)
	}

	handle := stt.NewHandle()
	store := upload.NewStore(cfg.Upload.TempDir, cfg.MaxUploadBytes())
	pipeline := transcription.NewPipeline(handle, store, cleaner, m, transcription.Config{
		MaxConcurrent:   cfg.STT.MaxConcurrentInferences,
		DefaultBeamSize: cfg.Model.BeamSize,
	}, logger)

	router := api.NewRouter(cfg, pipeline, store, m, logger)
	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router.Setup(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The server starts before the model so /health can report "loading".
	go func() {
		if err := handle.Load(ctx, loader); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("failed to load model", "error", err)
			os.Exit(1)
		}
		m.ModelReady.Set(1)
	}()

	go func() {
		slog.Info("starting ASR server",
			"addr", cfg.Addr(),
			"model", cfg.Model.Size,
			"backend", cfg.STT.Backend,
			"max_file_size_mb", cfg.Upload.MaxFileSizeMB,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced shutdown", "error", err)
	}
	if err := cleaner.Close(cfg.Server.ShutdownTimeout); err != nil {
		slog.Warn("cleanup pool did not stop cleanly", "error", err)
	}
	m.ModelReady.Set(0)
	if err := handle.Close(); err != nil {
		slog.Warn("failed to close engine", "error", err)
	}
	slog.Info("server stopped")
}
