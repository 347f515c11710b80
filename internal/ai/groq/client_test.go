package groq

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/spigell/mostaql-notifier/internal/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c, err := New(Config{APIKey: "test-key", URL: server.URL, Temperature: 0.3})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestGenerate(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing bearer token")
		}

		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != defaultModel || len(req.Messages) != 2 || req.Messages[1].Content != "analyze this" {
			t.Errorf("unexpected request: %+v", req)
		}
		if req.ResponseFormat == nil || req.ResponseFormat.Type != "json_object" {
			t.Errorf("expected json response format")
		}

		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":" {\"fit_score\": 70} "}}],"usage":{"total_tokens":42}}`))
	})

	resp, err := c.Generate(context.Background(), "analyze this")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != `{"fit_score": 70}` || resp.TokensUsed != 42 || resp.Provider != "groq" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestGenerateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		body      string
		want      error
		retryable bool
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, want: domain.ErrProviderQuotaExceeded, retryable: true},
		{name: "unavailable", status: http.StatusServiceUnavailable, want: domain.ErrTransientNetwork, retryable: true},
		{name: "garbage", status: http.StatusOK, body: "not json", want: domain.ErrMalformedResponse},
		{name: "no choices", status: http.StatusOK, body: `{"choices":[]}`, want: domain.ErrMalformedResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := c.Generate(context.Background(), "prompt")
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if domain.IsRetryable(err) != tt.retryable {
				t.Fatalf("expected retryable=%v for %v", tt.retryable, err)
			}
		})
	}

	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid api key"}}`))
	})
	if _, err := c.Generate(context.Background(), "prompt"); err == nil || domain.IsRetryable(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestNewRequiresKey(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error without api key")
	}
}
