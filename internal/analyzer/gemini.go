package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bdougie/uicollage/internal/models"
)

const (
	DefaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1"
	DefaultGeminiModel   = "gemini-1.5-flash"
)

// GeminiAnalyzer calls the Gemini generateContent REST endpoint
type GeminiAnalyzer struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewGeminiAnalyzer constructs an analyzer with the provided API key.
func NewGeminiAnalyzer(apiKey, baseURL, model string, logger *slog.Logger) (*GeminiAnalyzer, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key required")
	}
	if baseURL == "" {
		baseURL = DefaultGeminiBaseURL
	}
	if model == "" {
		model = DefaultGeminiModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GeminiAnalyzer{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      strings.TrimPrefix(model, "models/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger,
	}, nil
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	TopK            int     `json:"top_k"`
	TopP            float64 `json:"top_p"`
	MaxOutputTokens int     `json:"max_output_tokens"`
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generation_config"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

// Analyze sends the prompt and the images as inline JPEG parts.
func (g *GeminiAnalyzer) Analyze(ctx context.Context, req Request) (string, error) {
	if err := ValidateImages(req.Images); err != nil {
		return "", err
	}

	parts := make([]part, 0, len(req.Images)+1)
	parts = append(parts, part{Text: Prompt(req)})
	for _, img := range req.Images {
		data := img
		if i := strings.Index(img, ","); i >= 0 {
			data = img[i+1:]
		}
		parts = append(parts, part{InlineData: &inlineData{MimeType: "image/jpeg", Data: data}})
	}

	body, err := json.Marshal(generateRequest{
		Contents: []content{{Role: "user", Parts: parts}},
		GenerationConfig: generationConfig{
			Temperature:     0.7,
			TopK:            40,
			TopP:            0.95,
			MaxOutputTokens: 1024,
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal gemini request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", g.baseURL, g.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build gemini request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", g.apiKey)

	start := time.Now()
	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return "", &models.ServiceError{Service: "gemini", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &models.ServiceError{Service: "gemini", Status: resp.StatusCode, Err: err}
	}
	g.logger.Debug("gemini response", "status", resp.StatusCode, "images", len(req.Images),
		"duration_ms", time.Since(start).Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &models.ServiceError{Service: "gemini", Status: resp.StatusCode, Body: string(raw)}
	}

	var out generateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", &models.InvalidResponseError{Msg: fmt.Sprintf("decode gemini response: %v", err)}
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 ||
		out.Candidates[0].Content.Parts[0].Text == "" {
		return "", &models.InvalidResponseError{Msg: "gemini response has no text"}
	}
	return out.Candidates[0].Content.Parts[0].Text, nil
}
