package analyzer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/mostaql-notifier/internal/ai"
	"github.com/spigell/mostaql-notifier/internal/domain"
	"github.com/spigell/mostaql-notifier/internal/profile"
	"github.com/spigell/mostaql-notifier/internal/ratelimit"
)

const validResponse = `{"hiring_probability": 70, "fit_score": 85, "budget_fairness": 60, "job_clarity": 75, "competition_level": 50, "urgency_score": 40, "overall_score": 72, "recommendation": "instant_alert", "job_summary": "ملخص"}`

type step struct {
	text string
	err  error
}

type scriptedGenerator struct {
	mu      sync.Mutex
	steps   []step
	prompts []string
}

func (g *scriptedGenerator) Generate(_ context.Context, prompt string) (*ai.Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.prompts = append(g.prompts, prompt)
	if len(g.steps) == 0 {
		return nil, errors.New("script exhausted")
	}
	s := g.steps[0]
	g.steps = g.steps[1:]
	if s.err != nil {
		return nil, s.err
	}
	return &ai.Response{Text: s.text, Provider: "gemini", Model: "gemini-2.5-flash", TokensUsed: 42}, nil
}

func (g *scriptedGenerator) Provider() string { return "gemini" }
func (g *scriptedGenerator) Model() string    { return "gemini-2.5-flash" }

type countingLimiter struct {
	mu    sync.Mutex
	calls map[string]int
	err   error
}

func (l *countingLimiter) Acquire(_ context.Context, partition string, _ int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.calls == nil {
		l.calls = map[string]int{}
	}
	l.calls[partition]++
	return l.err
}

func testProfile() *profile.Profile {
	return &profile.Profile{
		ExpertSkills:    []string{"Go"},
		ExperienceYears: 5,
		Budget:          profile.Budget{Min: 100, Max: 1000},
	}
}

func testJob() *domain.Job {
	return &domain.Job{
		ID:          "1001",
		Title:       "بناء واجهة برمجية",
		Description: strings.Repeat("و", 700),
		URL:         "https://mostaql.com/project/1001",
		Tags:        []string{"Go", "REST"},
		Stage:       domain.StageDiscovered,
		Publisher:   domain.Publisher{Name: "Ali", Verified: true, HireRate: domain.Float(75)},
	}
}

func newTestAnalyzer(t *testing.T, gen ai.Generator, lim Limiter, cfg Config) (*Analyzer, *[]time.Duration) {
	t.Helper()
	a, err := New(gen, lim, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new analyzer: %v", err)
	}
	var waits []time.Duration
	a.wait = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	a.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return a, &waits
}

func TestAnalyzeSuccess(t *testing.T) {
	t.Parallel()

	gen := &scriptedGenerator{steps: []step{{text: validResponse}}}
	lim := &countingLimiter{}
	a, _ := newTestAnalyzer(t, gen, lim, Config{PromptVersion: "v7"})

	got, err := a.Analyze(context.Background(), testJob(), testProfile())
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if got.JobID != "1001" || got.ID == "" {
		t.Fatalf("unexpected identity: job=%q id=%q", got.JobID, got.ID)
	}
	if got.ModelVersion != "gemini/gemini-2.5-flash@v7" {
		t.Fatalf("unexpected model version %q", got.ModelVersion)
	}
	if got.TokensUsed != 42 || got.FitScore != 85 {
		t.Fatalf("unexpected analysis: %+v", got)
	}
	if !got.CreatedAt.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected created at %v", got.CreatedAt)
	}
	if lim.calls[ratelimit.PartitionAI] != 1 {
		t.Fatalf("expected one ai token, got %v", lim.calls)
	}
}

func TestAnalyzeRetriesTransient(t *testing.T) {
	t.Parallel()

	gen := &scriptedGenerator{steps: []step{
		{err: domain.ErrProviderQuotaExceeded},
		{err: context.DeadlineExceeded},
		{text: validResponse},
	}}
	lim := &countingLimiter{}
	a, waits := newTestAnalyzer(t, gen, lim, Config{MaxRetries: 3, Backoff: time.Second})

	if _, err := a.Analyze(context.Background(), testJob(), testProfile()); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(*waits) != 2 || (*waits)[0] != time.Second || (*waits)[1] != 2*time.Second {
		t.Fatalf("expected exponential backoff [1s 2s], got %v", *waits)
	}
	if lim.calls[ratelimit.PartitionAI] != 3 {
		t.Fatalf("expected a token per attempt, got %v", lim.calls)
	}
}

func TestAnalyzeGivesUp(t *testing.T) {
	t.Parallel()

	gen := &scriptedGenerator{steps: []step{
		{err: domain.ErrTransientNetwork},
		{err: domain.ErrTransientNetwork},
		{err: domain.ErrTransientNetwork},
	}}
	a, waits := newTestAnalyzer(t, gen, &countingLimiter{}, Config{MaxRetries: 2, Backoff: time.Millisecond})

	_, err := a.Analyze(context.Background(), testJob(), testProfile())
	if !errors.Is(err, domain.ErrAnalysisFailed) || !errors.Is(err, domain.ErrTransientNetwork) {
		t.Fatalf("expected analysis failure wrapping transient error, got %v", err)
	}
	if len(gen.prompts) != 3 || len(*waits) != 2 {
		t.Fatalf("expected 3 attempts and 2 waits, got %d and %d", len(gen.prompts), len(*waits))
	}
}

func TestAnalyzeDoesNotRetryPermanent(t *testing.T) {
	t.Parallel()

	gen := &scriptedGenerator{steps: []step{{err: errors.New("invalid api key")}}}
	a, waits := newTestAnalyzer(t, gen, &countingLimiter{}, Config{MaxRetries: 5})

	_, err := a.Analyze(context.Background(), testJob(), testProfile())
	if !errors.Is(err, domain.ErrAnalysisFailed) {
		t.Fatalf("expected ErrAnalysisFailed, got %v", err)
	}
	if len(*waits) != 0 {
		t.Fatalf("expected no retries, got %v", *waits)
	}
}

func TestAnalyzeMalformed(t *testing.T) {
	t.Parallel()

	gen := &scriptedGenerator{steps: []step{{text: "not json"}, {text: validResponse}}}
	a, _ := newTestAnalyzer(t, gen, &countingLimiter{}, Config{MaxRetries: 3})

	_, err := a.Analyze(context.Background(), testJob(), testProfile())
	if !errors.Is(err, domain.ErrAnalysisFailed) || !errors.Is(err, domain.ErrMalformedResponse) {
		t.Fatalf("expected malformed analysis failure, got %v", err)
	}
	if len(gen.prompts) != 1 {
		t.Fatalf("malformed output must not be retried in-process, got %d calls", len(gen.prompts))
	}
}

func TestAnalyzeCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	lim := &countingLimiter{err: context.Canceled}
	a, _ := newTestAnalyzer(t, &scriptedGenerator{}, lim, Config{MaxRetries: 3})

	_, err := a.Analyze(ctx, testJob(), testProfile())
	if !errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrAnalysisFailed) {
		t.Fatalf("expected bare cancellation, got %v", err)
	}
}

func TestPrompt(t *testing.T) {
	t.Parallel()

	a, _ := newTestAnalyzer(t, &scriptedGenerator{}, &countingLimiter{}, Config{})

	text, err := a.Prompt(testJob(), testProfile())
	if err != nil {
		t.Fatalf("prompt: %v", err)
	}
	for _, want := range []string{
		"Title: بناء واجهة برمجية",
		"Skills Required: Go, REST",
		"Hire Rate: 75%",
		"Identity Verified: Yes",
		"Expert Skills: Go",
		"Preferred Budget: $100-$1000",
		strings.Repeat("و", 600) + "...",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected prompt to contain %q", want)
		}
	}
	if strings.Contains(text, strings.Repeat("و", 601)) {
		t.Fatalf("expected description to be truncated")
	}
	if strings.Contains(text, "<no value>") {
		t.Fatalf("prompt has unresolved fields:\n%s", text)
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	t.Parallel()

	if _, err := New(nil, &countingLimiter{}, Config{}, nil); err == nil {
		t.Fatalf("expected error for missing generator")
	}
	if _, err := New(&scriptedGenerator{}, nil, Config{}, nil); err == nil {
		t.Fatalf("expected error for missing limiter")
	}
}
