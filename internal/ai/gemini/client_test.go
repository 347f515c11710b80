package gemini

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/spigell/mostaql-notifier/internal/domain"
)

type fakeModels struct {
	mu     sync.Mutex
	resp   *genai.GenerateContentResponse
	err    error
	calls  int
	model  string
	config *genai.GenerateContentConfig
	prompt string
}

func (f *fakeModels) GenerateContent(_ context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.model = model
	f.config = config
	if len(contents) > 0 && len(contents[0].Parts) > 0 {
		f.prompt = contents[0].Parts[0].Text
	}
	return f.resp, f.err
}

func textResponse(parts ...string) *genai.GenerateContentResponse {
	content := &genai.Content{}
	for _, p := range parts {
		content.Parts = append(content.Parts, &genai.Part{Text: p})
	}
	return &genai.GenerateContentResponse{
		Candidates:    []*genai.Candidate{{Content: content}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{TotalTokenCount: 321},
	}
}

func TestGenerateJoinsPartsAndReportsUsage(t *testing.T) {
	t.Parallel()

	models := &fakeModels{resp: textResponse(`{"fit_score": 80`, `}`)}
	g := newGenerator(models, Config{Model: "gemini-pro", Temperature: 0.2, MaxOutputTokens: 1024}, zap.NewNop())

	resp, err := g.Generate(context.Background(), "  prompt  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Text != "{\"fit_score\": 80\n}" {
		t.Fatalf("unexpected text: %q", resp.Text)
	}
	if resp.TokensUsed != 321 || resp.Provider != "gemini" || resp.Model != "gemini-pro" {
		t.Fatalf("unexpected metadata: %+v", resp)
	}
	if models.prompt != "prompt" {
		t.Fatalf("expected trimmed prompt, got %q", models.prompt)
	}
	if models.config.ResponseMIMEType != "application/json" || models.config.MaxOutputTokens != 1024 {
		t.Fatalf("unexpected config: %+v", models.config)
	}
	if models.config.Temperature == nil || *models.config.Temperature != 0.2 {
		t.Fatalf("expected temperature to be set")
	}
}

func TestGenerateDefaultsModel(t *testing.T) {
	t.Parallel()

	g := newGenerator(&fakeModels{}, Config{}, zap.NewNop())
	if g.Model() != defaultModel {
		t.Fatalf("expected default model, got %s", g.Model())
	}
}

func TestGenerateClassifiesErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "quota", err: genai.APIError{Code: http.StatusTooManyRequests, Status: "RESOURCE_EXHAUSTED"}, want: domain.ErrProviderQuotaExceeded},
		{name: "server", err: genai.APIError{Code: http.StatusInternalServerError, Status: "INTERNAL"}, want: domain.ErrTransientNetwork},
		{name: "deadline", err: context.DeadlineExceeded, want: domain.ErrTransientNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			g := newGenerator(&fakeModels{err: tt.err}, Config{}, zap.NewNop())
			_, err := g.Generate(context.Background(), "prompt")
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	g := newGenerator(&fakeModels{err: genai.APIError{Code: http.StatusBadRequest, Status: "INVALID_ARGUMENT"}}, Config{}, zap.NewNop())
	_, err := g.Generate(context.Background(), "prompt")
	if err == nil || domain.IsRetryable(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestGenerateEmptyResponseIsMalformed(t *testing.T) {
	t.Parallel()

	g := newGenerator(&fakeModels{resp: &genai.GenerateContentResponse{}}, Config{}, zap.NewNop())
	_, err := g.Generate(context.Background(), "prompt")
	if !errors.Is(err, domain.ErrMalformedResponse) {
		t.Fatalf("expected malformed response, got %v", err)
	}

	if _, err := g.Generate(context.Background(), "   "); err == nil {
		t.Fatalf("expected error for empty prompt")
	}
}
