package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bdougie/uicollage/internal/models"
)

func TestScenarioSelection(t *testing.T) {
	initial := Prompt(Request{})
	if !strings.HasPrefix(initial, BasePrompt) || !strings.HasSuffix(initial, initialPrompt) {
		t.Fatalf("unexpected initial prompt: %q", initial)
	}

	ref := Prompt(Request{Reference: true})
	if !strings.Contains(ref, "9 reference images") {
		t.Fatalf("reference prompt missing sequence instructions: %q", ref)
	}

	// messages win over the reference flag
	chat := Scenario(Request{
		Reference: true,
		Messages: []Turn{
			{Role: "assistant", Content: "first"},
			{Role: "user", Content: "second"},
			{Role: "assistant", Content: "third"},
			{Role: "user", Content: "fourth"},
		},
	})
	if strings.Contains(chat, "first") {
		t.Fatalf("only the last 3 turns belong in the context: %q", chat)
	}
	if !strings.Contains(chat, "user: second\nassistant: third\nuser: fourth") {
		t.Fatalf("context lines not formatted: %q", chat)
	}
	if !strings.HasSuffix(chat, "\n\nfourth") {
		t.Fatalf("empty prompt should default to the last user turn: %q", chat)
	}
}

func TestValidateImages(t *testing.T) {
	if err := ValidateImages([]string{"data:image/jpeg;base64,AAAA"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var ve *models.ValidationError
	if err := ValidateImages([]string{"data:image/jpeg;base64,AAAA", "http://x"}); !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if err := ValidateImages(nil); !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError for empty list, got %v", err)
	}
}

func TestGeminiAnalyze(t *testing.T) {
	var got generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-goog-api-key") != "k" {
			http.Error(w, "missing key", http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/models/gemini-1.5-flash:generateContent" {
			http.Error(w, "bad path "+r.URL.Path, http.StatusNotFound)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"Looks fine."}]}}]}`))
	}))
	defer srv.Close()

	g, err := NewGeminiAnalyzer("k", srv.URL, "", nil)
	if err != nil {
		t.Fatalf("NewGeminiAnalyzer: %v", err)
	}
	text, err := g.Analyze(context.Background(), Request{
		Images: []string{"data:image/jpeg;base64,AAA", "data:image/jpeg;base64,BBB", "data:image/jpeg;base64,CCC"},
	})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if text != "Looks fine." {
		t.Fatalf("unexpected text %q", text)
	}

	parts := got.Contents[0].Parts
	if len(parts) != 4 {
		t.Fatalf("expected prompt plus 3 images, got %d parts", len(parts))
	}
	if parts[1].InlineData == nil || parts[1].InlineData.Data != "AAA" || parts[1].InlineData.MimeType != "image/jpeg" {
		t.Fatalf("image part not stripped of its header: %+v", parts[1].InlineData)
	}
	if got.GenerationConfig.TopK != 40 || got.GenerationConfig.MaxOutputTokens != 1024 {
		t.Fatalf("unexpected generation config %+v", got.GenerationConfig)
	}
}

func TestGeminiUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	g, _ := NewGeminiAnalyzer("k", srv.URL, "", nil)
	_, err := g.Analyze(context.Background(), Request{Images: []string{"data:image/jpeg;base64,AAA"}})
	var se *models.ServiceError
	if !errors.As(err, &se) || se.Status != http.StatusTooManyRequests {
		t.Fatalf("expected ServiceError 429, got %v", err)
	}
}

func TestGeminiMissingText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"candidates":[]}`))
	}))
	defer srv.Close()

	g, _ := NewGeminiAnalyzer("k", srv.URL, "", nil)
	_, err := g.Analyze(context.Background(), Request{Images: []string{"data:image/jpeg;base64,AAA"}})
	var ire *models.InvalidResponseError
	if !errors.As(err, &ire) {
		t.Fatalf("expected InvalidResponseError, got %v", err)
	}
}

func TestNewGeminiRequiresKey(t *testing.T) {
	if _, err := NewGeminiAnalyzer("  ", "", "", nil); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func TestSelect(t *testing.T) {
	ctx := context.Background()
	a, err := Select(ctx, ProviderGemini, GeminiConfig{APIKey: "k"}, OllamaConfig{}, nil)
	if err != nil {
		t.Fatalf("Select gemini: %v", err)
	}
	if _, ok := a.(*GeminiAnalyzer); !ok {
		t.Fatalf("expected *GeminiAnalyzer, got %T", a)
	}
	if _, err := Select(ctx, "clippy", GeminiConfig{}, OllamaConfig{}, nil); err == nil {
		t.Fatalf("expected error for unknown provider")
	}
}
