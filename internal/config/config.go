package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	// Server
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Reference generation server
	GenerationBaseURL string        `env:"GENERATION_BASE_URL" envDefault:"http://localhost:5000"`
	GenerationTimeout time.Duration `env:"GENERATION_TIMEOUT" envDefault:"5m"`

	// Vision critique
	VisionProvider string `env:"VISION_PROVIDER" envDefault:"gemini"`
	GeminiAPIKey   string `env:"GEMINI_API_KEY"`
	GeminiModel    string `env:"GEMINI_MODEL" envDefault:"gemini-1.5-flash"`
	GeminiBaseURL  string `env:"GEMINI_BASE_URL" envDefault:"https://generativelanguage.googleapis.com/v1"`
	OllamaBaseURL  string `env:"OLLAMA_BASE_URL" envDefault:"http://localhost"`
	OllamaPort     int    `env:"OLLAMA_PORT" envDefault:"11434"`
	OllamaModel    string `env:"OLLAMA_MODEL" envDefault:"llama3.2-vision:11b"`

	// Session store
	StoreBackend  string `env:"STORE_BACKEND" envDefault:"memory"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisPrefix   string `env:"REDIS_PREFIX" envDefault:"uicollage:"`
	DatabaseURL   string `env:"DATABASE_URL"`

	// Preview blobs
	BlobBackend    string `env:"BLOB_BACKEND" envDefault:"memory"`
	MinioEndpoint  string `env:"MINIO_ENDPOINT" envDefault:"localhost:9000"`
	MinioAccessKey string `env:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `env:"MINIO_SECRET_KEY"`
	MinioBucket    string `env:"MINIO_BUCKET" envDefault:"uicollage-previews"`
	MinioUseSSL    bool   `env:"MINIO_USE_SSL" envDefault:"false"`

	// Media
	FFmpegPath         string `env:"FFMPEG_PATH" envDefault:"ffmpeg"`
	FFprobePath        string `env:"FFPROBE_PATH" envDefault:"ffprobe"`
	WorkDir            string `env:"WORK_DIR"`
	FingerprintWorkers int    `env:"FINGERPRINT_WORKERS" envDefault:"4"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the selected backends have what they need.
func (c *Config) Validate() error {
	switch c.VisionProvider {
	case "gemini":
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required when VISION_PROVIDER=gemini")
		}
	case "ollama":
	default:
		return fmt.Errorf("unknown VISION_PROVIDER %q", c.VisionProvider)
	}

	switch c.StoreBackend {
	case "memory", "redis":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}

	switch c.BlobBackend {
	case "memory":
	case "minio":
		if c.MinioAccessKey == "" || c.MinioSecretKey == "" {
			return fmt.Errorf("MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required when BLOB_BACKEND=minio")
		}
	default:
		return fmt.Errorf("unknown BLOB_BACKEND %q", c.BlobBackend)
	}
	return nil
}

// Level maps LOG_LEVEL onto a slog level, defaulting to info
func (c *Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
