package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/bdougie/uicollage/internal/analyzer"
	"github.com/bdougie/uicollage/internal/collage"
	"github.com/bdougie/uicollage/internal/config"
	"github.com/bdougie/uicollage/internal/embeddings"
	"github.com/bdougie/uicollage/internal/extractor"
	"github.com/bdougie/uicollage/internal/httpapi"
	"github.com/bdougie/uicollage/internal/inference"
	"github.com/bdougie/uicollage/internal/logging"
	"github.com/bdougie/uicollage/internal/preview"
	"github.com/bdougie/uicollage/internal/realtime"
	"github.com/bdougie/uicollage/internal/storage"
)

func main() {
	// .env is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(os.Stderr, cfg.Level())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped gracefully")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, err := newStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	blobs, err := newBlobs(ctx, cfg)
	if err != nil {
		return err
	}

	critic, err := analyzer.Select(ctx, cfg.VisionProvider,
		analyzer.GeminiConfig{APIKey: cfg.GeminiAPIKey, BaseURL: cfg.GeminiBaseURL, Model: cfg.GeminiModel},
		analyzer.OllamaConfig{BaseURL: cfg.OllamaBaseURL, Port: cfg.OllamaPort, Model: cfg.OllamaModel, ScratchDir: cfg.WorkDir},
		logger)
	if err != nil {
		return err
	}

	hub := realtime.NewHub(logger)
	go hub.Run(ctx)

	fingerprints := embeddings.NewService(cfg.FingerprintWorkers)
	defer fingerprints.Close()

	generator := inference.NewClient(cfg.GenerationBaseURL, cfg.GenerationTimeout)
	previews := preview.NewRegistry(blobs, logger)

	workspaces := collage.NewService(collage.Deps{
		Extractor:    extractor.New(extractor.ExecRunner{}, cfg.FFmpegPath, cfg.FFprobePath, logger),
		Inference:    generator,
		Analyzer:     critic,
		Store:        store,
		Previews:     previews,
		Fingerprints: fingerprints,
		Notifier:     hub,
		WorkDir:      cfg.WorkDir,
		Logger:       logger,
	})

	server := httpapi.New(httpapi.Config{
		Workspaces: workspaces,
		Generator:  generator,
		Analyzer:   critic,
		Previews:   previews,
		Hub:        hub,
		Logger:     logger,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", cfg.HTTPAddr,
			"store", cfg.StoreBackend, "blobs", cfg.BlobBackend, "vision", cfg.VisionProvider)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	workspaces.Close(shutdownCtx)
	return nil
}

func newStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.StoreBackend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, err
		}
		return storage.NewRedisStore(client, cfg.RedisPrefix), nil
	case "postgres":
		pg, err := storage.NewPostgresStore(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		return pg, nil
	default:
		return storage.NewMemoryStore(), nil
	}
}

func newBlobs(ctx context.Context, cfg *config.Config) (preview.Blobs, error) {
	if cfg.BlobBackend != "minio" {
		return preview.NewMemoryBlobs(), nil
	}
	blobs, err := preview.NewMinioBlobs(ctx, preview.MinioConfig{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	})
	if err != nil {
		return nil, err
	}
	return blobs, nil
}
