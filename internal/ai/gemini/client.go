// Package gemini implements ai.Generator on the Google GenAI SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/spigell/mostaql-notifier/internal/ai"
	"github.com/spigell/mostaql-notifier/internal/domain"
)

const (
	providerName = "gemini"
	defaultModel = "gemini-2.5-flash"
)

// Config holds Gemini settings.
type Config struct {
	APIKey          string
	Model           string
	Temperature     float32
	MaxOutputTokens int32
}

// contentModels is the subset of genai.Models used by the generator.
type contentModels interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Generator wraps the Google GenAI client to provide simple prompt-based interactions.
type Generator struct {
	models    contentModels
	modelName string
	config    *genai.GenerateContentConfig
	logger    *zap.Logger
}

var _ ai.Generator = (*Generator)(nil)

// NewGenerator creates a new Generator configured for the Gemini API backend.
func NewGenerator(ctx context.Context, cfg Config, logger *zap.Logger) (*Generator, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	return newGenerator(client.Models, cfg, logger), nil
}

func newGenerator(models contentModels, cfg Config, logger *zap.Logger) *Generator {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}

	genCfg := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr(cfg.Temperature),
	}
	if cfg.MaxOutputTokens > 0 {
		genCfg.MaxOutputTokens = cfg.MaxOutputTokens
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Generator{models: models, modelName: model, config: genCfg, logger: logger}
}

// Generate sends the prompt to Gemini and returns the textual response.
func (g *Generator) Generate(ctx context.Context, prompt string) (*ai.Response, error) {
	if g == nil || g.models == nil {
		return nil, errors.New("gemini generator is not initialized")
	}

	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, errors.New("prompt must not be empty")
	}

	resp, err := g.models.GenerateContent(ctx, g.modelName, genai.Text(prompt), g.config)
	if err != nil {
		return nil, fmt.Errorf("generate content: %w", classify(err))
	}

	var builder strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			text := strings.TrimSpace(part.Text)
			if text == "" {
				continue
			}
			if builder.Len() > 0 {
				builder.WriteString("\n")
			}
			builder.WriteString(text)
		}
	}

	output := strings.TrimSpace(builder.String())
	if output == "" {
		return nil, fmt.Errorf("%w: gemini api returned empty response", domain.ErrMalformedResponse)
	}

	tokens := 0
	if resp.UsageMetadata != nil {
		tokens = int(resp.UsageMetadata.TotalTokenCount)
	}

	g.logger.Debug("gemini response received",
		zap.String("ai_model", g.modelName),
		zap.Int("tokens_used", tokens),
		zap.Int("candidates", len(resp.Candidates)),
	)

	return &ai.Response{
		Text:       output,
		Provider:   providerName,
		Model:      g.modelName,
		TokensUsed: tokens,
	}, nil
}

// classify maps Gemini API errors onto the domain taxonomy.
func classify(err error) error {
	code := 0
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.Code
	case errors.As(err, &apiErrPtr):
		code = apiErrPtr.Code
	default:
		return ai.Classify(err)
	}

	switch {
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", domain.ErrProviderQuotaExceeded, err)
	case code >= http.StatusInternalServerError, code == http.StatusRequestTimeout:
		return fmt.Errorf("%w: %w", domain.ErrTransientNetwork, err)
	default:
		return err
	}
}

func (g *Generator) Provider() string { return providerName }

func (g *Generator) Model() string {
	if g == nil {
		return ""
	}
	return g.modelName
}
