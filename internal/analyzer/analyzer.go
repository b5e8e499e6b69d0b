package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bdougie/uicollage/internal/models"
)

// Turn is one prior chat message handed to the model as context
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes a single critique call
type Request struct {
	// Images are data URLs, three inputs or nine references
	Images    []string
	Prompt    string
	Messages  []Turn
	Reference bool
}

// Analyzer produces a UX critique for a set of images
type Analyzer interface {
	Analyze(ctx context.Context, req Request) (string, error)
}

// BasePrompt frames every critique
const BasePrompt = `You are a UX expert. Always follow these rules:
1. Give only the essential UX assessment and improvements, with no greeting or closing.
2. Answer politely and concisely in at most 6 sentences.
3. The images form sequences of 3 (a sequential user flow).`

const referencePrompt = `The 9 reference images are 3 different sequences. Analyze the strengths of each sequence (3 images each) and propose the most suitable improvements for the user's UI sequence reviewed earlier.

First sequence (images 1-3): flow and strengths
Second sequence (images 4-6): flow and strengths
Third sequence (images 7-9): flow and strengths

Suggest concretely how the strengths of these references can be applied to the user's UI sequence.`

const initialPrompt = "Analyze the UX of this UI sequence and point out what needs improvement."

// chatContextTurns is how many trailing turns go into a chat prompt
const chatContextTurns = 3

// Scenario returns the scenario-specific part of the prompt: chat context when
// messages are present, reference analysis, or the initial critique.
func Scenario(req Request) string {
	if len(req.Messages) > 0 {
		start := max(len(req.Messages)-chatContextTurns, 0)
		lines := make([]string, 0, chatContextTurns)
		for _, m := range req.Messages[start:] {
			lines = append(lines, fmt.Sprintf("%s: %s", m.Role, m.Content))
		}
		prompt := req.Prompt
		if strings.TrimSpace(prompt) == "" {
			prompt = lastUserTurn(req.Messages)
		}
		return "Conversation context:\n" + strings.Join(lines, "\n") + "\n\n" + prompt
	}
	if req.Reference {
		return referencePrompt
	}
	return initialPrompt
}

// Prompt is the full text sent alongside the images
func Prompt(req Request) string {
	return BasePrompt + "\n\n" + Scenario(req)
}

func lastUserTurn(turns []Turn) string {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == string(models.RoleUser) {
			return turns[i].Content
		}
	}
	return ""
}

// ValidateImages rejects anything that is not an image data URL.
func ValidateImages(images []string) error {
	if len(images) == 0 {
		return models.Invalid("at least one image is required")
	}
	for i, img := range images {
		if !strings.HasPrefix(img, "data:image") {
			return models.Invalid("image %d is not a base64 image data URL", i)
		}
	}
	return nil
}

// TurnsFromMessages converts a transcript into model context turns.
func TurnsFromMessages(msgs []models.ChatMessage) []Turn {
	turns := make([]Turn, len(msgs))
	for i, m := range msgs {
		turns[i] = Turn{Role: string(m.Role), Content: m.Content}
	}
	return turns
}

// Providers are the names accepted by Select
const (
	ProviderGemini = "gemini"
	ProviderOllama = "ollama"
)

// GeminiConfig holds the Gemini credentials and endpoint
type GeminiConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Select builds the analyzer for provider.
func Select(ctx context.Context, provider string, gemini GeminiConfig, ollama OllamaConfig, logger *slog.Logger) (Analyzer, error) {
	switch provider {
	case ProviderGemini:
		a, err := NewGeminiAnalyzer(gemini.APIKey, gemini.BaseURL, gemini.Model, logger)
		if err != nil {
			return nil, err
		}
		return a, nil
	case ProviderOllama:
		a, err := NewAgentAnalyzer(ctx, ollama, logger)
		if err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unknown vision provider %q", provider)
	}
}
