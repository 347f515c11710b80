// Package groq implements ai.Generator on Groq's OpenAI-compatible chat
// completions endpoint.
package groq

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spigell/mostaql-notifier/internal/ai"
	"github.com/spigell/mostaql-notifier/internal/domain"
)

const (
	providerName = "groq"
	defaultURL   = "https://api.groq.com/openai/v1/chat/completions"
	defaultModel = "llama-3.3-70b-versatile"
)

type Config struct {
	APIKey      string
	Model       string
	URL         string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

type Client struct {
	apiKey      string
	model       string
	url         string
	temperature float64
	maxTokens   int
	httpClient  *http.Client
}

var _ ai.Generator = (*Client)(nil)

func New(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("groq api key is required")
	}

	c := &Client{
		apiKey:      apiKey,
		model:       defaultModel,
		url:         defaultURL,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
	}
	if m := strings.TrimSpace(cfg.Model); m != "" {
		c.model = m
	}
	if u := strings.TrimSpace(cfg.URL); u != "" {
		c.url = u
	}
	if cfg.Timeout > 0 {
		c.httpClient.Timeout = cfg.Timeout
	}
	return c, nil
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type request struct {
	Model          string          `json:"model"`
	Messages       []message       `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type response struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *Client) Generate(ctx context.Context, prompt string) (*ai.Response, error) {
	body, err := json.Marshal(request{
		Model: c.model,
		Messages: []message{
			{Role: "system", Content: "You are a precise job analysis assistant. Reply with a single JSON object."},
			{Role: "user", Content: prompt},
		},
		Temperature:    c.temperature,
		MaxTokens:      c.maxTokens,
		ResponseFormat: &responseFormat{Type: "json_object"},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal groq request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create groq request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: groq request: %v", domain.ErrTransientNetwork, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ai.Classify(fmt.Errorf("read groq response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: groq returned %s", domain.ErrProviderQuotaExceeded, resp.Status)
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, fmt.Errorf("%w: groq returned %s", domain.ErrTransientNetwork, resp.Status)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("groq returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var out response
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: decode groq response: %v", domain.ErrMalformedResponse, err)
	}
	if out.Error != nil {
		return nil, fmt.Errorf("groq api error: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return nil, fmt.Errorf("%w: no choices returned from groq", domain.ErrMalformedResponse)
	}

	return &ai.Response{
		Text:       strings.TrimSpace(out.Choices[0].Message.Content),
		Provider:   providerName,
		Model:      c.model,
		TokensUsed: out.Usage.TotalTokens,
	}, nil
}

func (c *Client) Provider() string { return providerName }

func (c *Client) Model() string { return c.model }
