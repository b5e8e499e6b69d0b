package analyzer

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/agent-api/core/pkg/agent"
	"github.com/agent-api/core/types"
	"github.com/agent-api/ollama"

	"github.com/bdougie/uicollage/internal/models"
)

const DefaultOllamaModel = "llama3.2-vision:11b"

// OllamaConfig locates the local Ollama server
type OllamaConfig struct {
	BaseURL string
	Port    int
	Model   string
	// ScratchDir receives the decoded images for the duration of a call
	ScratchDir string
}

// AgentAnalyzer runs critiques through a vision agent on Ollama
type AgentAnalyzer struct {
	newAgent   func() *agent.DefaultAgent
	scratchDir string
	logger     *slog.Logger
}

// NewAgentAnalyzer checks that Ollama is running and selects the vision model
func NewAgentAnalyzer(ctx context.Context, cfg OllamaConfig, logger *slog.Logger) (*AgentAnalyzer, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 11434
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOllamaModel
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := checkOllama(ctx, fmt.Sprintf("%s:%d/api/tags", cfg.BaseURL, cfg.Port)); err != nil {
		return nil, err
	}

	provider := ollama.NewProvider(&ollama.ProviderOpts{
		Logger:  logger,
		BaseURL: cfg.BaseURL,
		Port:    cfg.Port,
	})
	provider.UseModel(ctx, &types.Model{ID: cfg.Model})

	newAgent := func() *agent.DefaultAgent {
		return agent.NewAgent(&agent.NewAgentConfig{
			Provider:     provider,
			Logger:       logger,
			SystemPrompt: BasePrompt,
		})
	}
	return &AgentAnalyzer{newAgent: newAgent, scratchDir: cfg.ScratchDir, logger: logger}, nil
}

func checkOllama(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return &models.ServiceError{Service: "ollama", Err: err}
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &models.ServiceError{Service: "ollama", Status: resp.StatusCode}
	}
	return nil
}

// Analyze writes the images to scratch files and hands them to a fresh agent
// so that no conversation memory leaks between users.
func (a *AgentAnalyzer) Analyze(ctx context.Context, req Request) (string, error) {
	if err := ValidateImages(req.Images); err != nil {
		return "", err
	}

	paths := make([]string, 0, len(req.Images))
	defer func() {
		for _, p := range paths {
			os.Remove(p)
		}
	}()
	for i, img := range req.Images {
		p, err := a.writeImage(img)
		if err != nil {
			return "", fmt.Errorf("write image %d: %w", i, err)
		}
		paths = append(paths, p)
	}

	a.logger.Debug("running vision agent", "images", len(paths), "reference", req.Reference)
	visionAgent := a.newAgent()
	opts := runOptions(agent.WithInput(Scenario(req)), paths, agent.WithImagePath)
	response := visionAgent.Run(ctx, opts...)
	if response.Err != nil {
		return "", &models.ServiceError{Service: "ollama", Err: response.Err}
	}
	if len(response.Messages) == 0 {
		return "", &models.InvalidResponseError{Msg: "no response messages received from model"}
	}

	// last message is the model's answer, not the prompt
	return response.Messages[len(response.Messages)-1].Content, nil
}

// runOptions attaches one image option per path after the input option.
func runOptions[O any](input O, paths []string, withImage func(string) O) []O {
	opts := make([]O, 0, len(paths)+1)
	opts = append(opts, input)
	for _, p := range paths {
		opts = append(opts, withImage(p))
	}
	return opts
}

func (a *AgentAnalyzer) writeImage(dataURL string) (string, error) {
	payload := dataURL
	if i := strings.Index(dataURL, ","); i >= 0 {
		payload = dataURL[i+1:]
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", &models.DecodeError{Err: err}
	}

	f, err := os.CreateTemp(a.scratchDir, "ux-image-*.jpg")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.Write(raw); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
