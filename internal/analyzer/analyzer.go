// Package analyzer turns a collected posting into a structured AI assessment.
package analyzer

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spigell/mostaql-notifier/internal/ai"
	"github.com/spigell/mostaql-notifier/internal/domain"
	"github.com/spigell/mostaql-notifier/internal/logger"
	"github.com/spigell/mostaql-notifier/internal/metrics"
	"github.com/spigell/mostaql-notifier/internal/profile"
	"github.com/spigell/mostaql-notifier/internal/ratelimit"
	"github.com/spigell/mostaql-notifier/internal/utils"
)

//go:embed prompt.md
var promptTemplate string

var prompt = template.Must(template.New("prompt").Parse(promptTemplate))

const (
	defaultMaxDescription = 600
	defaultMaxLogLength   = 300
	defaultPromptVersion  = "v1"
)

type Limiter interface {
	Acquire(ctx context.Context, partition string, cost int) error
}

type Config struct {
	// MaxRetries bounds the retries after the first attempt.
	MaxRetries     int           `mapstructure:"max-retries" validate:"gte=0"`
	Backoff        time.Duration `mapstructure:"backoff" validate:"gte=0"`
	CallTimeout    time.Duration `mapstructure:"call-timeout" validate:"gte=0"`
	MaxDescription int           `mapstructure:"max-description" validate:"gte=0"`
	MaxLogLength   int           `mapstructure:"max-log-length" validate:"gte=0"`
	// PromptVersion is bumped whenever prompt.md changes meaning.
	PromptVersion string `mapstructure:"prompt-version"`
}

type Analyzer struct {
	generator ai.Generator
	limiter   Limiter
	cfg       Config
	metrics   metrics.Sink
	logger    *zap.Logger

	now  func() time.Time
	wait func(ctx context.Context, d time.Duration) error
}

// Option customizes an Analyzer.
type Option func(*Analyzer)

// WithMetrics reports every provider call to sink.
func WithMetrics(sink metrics.Sink) Option {
	return func(a *Analyzer) { a.metrics = sink }
}

func New(generator ai.Generator, limiter Limiter, cfg Config, logger *zap.Logger, opts ...Option) (*Analyzer, error) {
	if generator == nil {
		return nil, errors.New("ai generator is required")
	}
	if limiter == nil {
		return nil, errors.New("rate limiter is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxDescription <= 0 {
		cfg.MaxDescription = defaultMaxDescription
	}
	if cfg.MaxLogLength <= 0 {
		cfg.MaxLogLength = defaultMaxLogLength
	}
	if cfg.PromptVersion == "" {
		cfg.PromptVersion = defaultPromptVersion
	}

	a := &Analyzer{
		generator: generator,
		limiter:   limiter,
		cfg:       cfg,
		metrics:   metrics.Nop{},
		logger:    logger,
		now:       time.Now,
		wait:      utils.WaitFor,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Analyze asks the AI provider to assess job for prof. Transient provider
// failures are retried with exponential backoff; malformed output is not.
// Every failure wraps domain.ErrAnalysisFailed except caller cancellation.
func (a *Analyzer) Analyze(ctx context.Context, job *domain.Job, prof *profile.Profile) (*domain.Analysis, error) {
	text, err := a.Prompt(job, prof)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrAnalysisFailed, err)
	}

	log := logger.WithJob(a.logger, job.ID, string(job.Stage))
	log.Debug("analysis prompt", zap.String("prompt", utils.TruncateForLog(text, a.cfg.MaxLogLength)))

	for attempt := 0; ; attempt++ {
		resp, err := a.generate(ctx, text)
		if err == nil {
			analysis, perr := Parse(resp.Text)
			if perr != nil {
				a.metrics.AIRequest(resp.Provider, metrics.OutcomeMalformed, resp.TokensUsed)
				log.Warn("ai response could not be parsed",
					zap.String("response", utils.TruncateForLog(resp.Text, a.cfg.MaxLogLength)),
					zap.Error(perr),
				)
				return nil, fmt.Errorf("%w: %w", domain.ErrAnalysisFailed, perr)
			}
			a.metrics.AIRequest(resp.Provider, metrics.OutcomeSuccess, resp.TokensUsed)

			analysis.ID = uuid.NewString()
			analysis.JobID = job.ID
			analysis.Provider = resp.Provider
			analysis.Model = resp.Model
			analysis.ModelVersion = a.modelVersion(resp)
			analysis.TokensUsed = resp.TokensUsed
			analysis.CreatedAt = a.now().UTC()

			logger.WithProvider(log, resp.Provider, resp.Model).Info("job analyzed",
				zap.Int("overall_score", analysis.OverallScore),
				zap.String("recommendation", string(analysis.Recommendation)),
				zap.Int("tokens", resp.TokensUsed),
				zap.Int("attempt", attempt+1),
			)
			return analysis, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !domain.IsRetryable(err) || attempt >= a.cfg.MaxRetries {
			a.metrics.AIRequest(a.generator.Provider(), metrics.OutcomeFailed, 0)
			return nil, fmt.Errorf("%w after %d attempt(s): %w", domain.ErrAnalysisFailed, attempt+1, err)
		}

		a.metrics.AIRequest(a.generator.Provider(), metrics.OutcomeRetried, 0)
		delay := utils.Backoff(a.cfg.Backoff, attempt)
		log.Warn("ai call failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if err := a.wait(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (a *Analyzer) generate(ctx context.Context, text string) (*ai.Response, error) {
	if err := a.limiter.Acquire(ctx, ratelimit.PartitionAI, 1); err != nil {
		return nil, err
	}

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if a.cfg.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, a.cfg.CallTimeout)
	}
	defer cancel()

	resp, err := a.generator.Generate(callCtx, text)
	if err != nil {
		return nil, ai.Classify(err)
	}
	return resp, nil
}

func (a *Analyzer) modelVersion(resp *ai.Response) string {
	return fmt.Sprintf("%s/%s@%s", resp.Provider, resp.Model, a.cfg.PromptVersion)
}

type promptData struct {
	Job         *domain.Job
	Description string
	Budget      string
	Posted      string
	Skills      string
	HireRate    string
	Profile     string
}

// Prompt renders the analysis prompt for job and prof.
func (a *Analyzer) Prompt(job *domain.Job, prof *profile.Profile) (string, error) {
	if prof == nil {
		return "", errors.New("profile is required")
	}

	description := job.Description
	if strings.TrimSpace(description) == "" {
		description = job.Brief
	}
	if r := []rune(description); len(r) > a.cfg.MaxDescription {
		description = string(r[:a.cfg.MaxDescription]) + "..."
	}

	data := promptData{
		Job:         job,
		Description: description,
		Budget:      budgetText(job.Budget),
		Posted:      "N/A",
		Skills:      "Not specified",
		HireRate:    "N/A",
		Profile:     prof.Text(),
	}
	if !job.PostedAt.IsZero() {
		data.Posted = job.PostedAt.UTC().Format(time.RFC3339)
	}
	if len(job.Tags) > 0 {
		data.Skills = strings.Join(job.Tags, ", ")
	}
	if job.Publisher.HireRate != nil {
		data.HireRate = fmt.Sprintf("%.0f%%", *job.Publisher.HireRate)
	}

	var buf bytes.Buffer
	if err := prompt.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return buf.String(), nil
}

func budgetText(b domain.Budget) string {
	switch {
	case b.Min != nil && b.Max != nil:
		return strings.TrimSpace(fmt.Sprintf("%s ($%.0f-$%.0f)", b.Raw, *b.Min, *b.Max))
	case b.Raw != "":
		return b.Raw
	case b.Min != nil:
		return fmt.Sprintf("$%.0f", *b.Min)
	case b.Max != nil:
		return fmt.Sprintf("$%.0f", *b.Max)
	default:
		return "N/A"
	}
}
