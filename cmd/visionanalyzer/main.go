package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/bdougie/uicollage/internal/analyzer"
	"github.com/bdougie/uicollage/internal/config"
	"github.com/bdougie/uicollage/internal/encoder"
	"github.com/bdougie/uicollage/internal/extractor"
	"github.com/bdougie/uicollage/internal/logging"
	"github.com/bdougie/uicollage/internal/models"
)

const usage = "Usage: visionanalyzer (--video path/to/video.mp4 | --image a.png --image b.png --image c.png) [--output output_directory]"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("failed to load .env: %v", err)
	}

	// Parse command line arguments
	var videoPath, outputDir string
	var imagePaths []string
	for i := 1; i < len(os.Args); i++ {
		switch os.Args[i] {
		case "--video":
			if i+1 < len(os.Args) {
				videoPath = os.Args[i+1]
				i++
			}
		case "--image":
			if i+1 < len(os.Args) {
				imagePaths = append(imagePaths, os.Args[i+1])
				i++
			}
		case "--output":
			if i+1 < len(os.Args) {
				outputDir = os.Args[i+1]
				i++
			}
		}
	}

	if (videoPath == "") == (len(imagePaths) == 0) || (videoPath == "" && len(imagePaths) != 3) {
		fmt.Println(usage)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := logging.New(os.Stderr, cfg.Level())

	critic, err := analyzer.Select(ctx, cfg.VisionProvider,
		analyzer.GeminiConfig{APIKey: cfg.GeminiAPIKey, BaseURL: cfg.GeminiBaseURL, Model: cfg.GeminiModel},
		analyzer.OllamaConfig{BaseURL: cfg.OllamaBaseURL, Port: cfg.OllamaPort, Model: cfg.OllamaModel, ScratchDir: cfg.WorkDir},
		logger)
	if err != nil {
		log.Fatalf("Failed to initialize vision analyzer: %v", err)
	}

	var raw [][]byte
	if videoPath != "" {
		ex := extractor.New(extractor.ExecRunner{}, cfg.FFmpegPath, cfg.FFprobePath, logger)
		frames, err := ex.Extract(ctx, videoPath)
		if err != nil {
			log.Fatalf("Error extracting frames: %v", err)
		}
		for _, f := range frames {
			fmt.Printf("Captured %s at %.2fs\n", f.Name, f.Time)
			raw = append(raw, f.Data)
		}
		if outputDir != "" {
			if err := saveFrames(outputDir, frames); err != nil {
				log.Fatalf("Error saving frames: %v", err)
			}
		}
	} else {
		for _, p := range imagePaths {
			data, err := os.ReadFile(p)
			if err != nil {
				log.Fatalf("Error reading image: %v", err)
			}
			raw = append(raw, data)
		}
	}

	images := make([]string, len(raw))
	for i, data := range raw {
		payload, err := encoder.Encode(data)
		if err != nil {
			log.Fatalf("Error encoding image %d: %v", i+1, err)
		}
		images[i] = encoder.DataURL(payload)
	}

	fmt.Printf("Starting UX analysis...\n")
	critique, err := critic.Analyze(ctx, analyzer.Request{Images: images})
	if err != nil {
		logger.Error("analysis failed", slog.Any("error", err))
		os.Exit(1)
	}
	fmt.Println(critique)
}

func saveFrames(dir string, frames []models.Frame) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	for _, f := range frames {
		if err := os.WriteFile(filepath.Join(dir, f.Name), f.Data, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", f.Name, err)
		}
	}
	return nil
}
