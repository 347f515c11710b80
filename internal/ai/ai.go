// Package ai defines the provider-neutral text generation contract used by
// the analyzer.
package ai

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/spigell/mostaql-notifier/internal/domain"
	"github.com/spigell/mostaql-notifier/internal/logger"
)

// Response is one completion returned by a provider.
type Response struct {
	Text       string
	Provider   string
	Model      string
	TokensUsed int
}

// Generator produces a completion for a prompt. Errors are classified with
// the domain sentinels so callers can decide whether to retry.
type Generator interface {
	Generate(ctx context.Context, prompt string) (*Response, error)
	Provider() string
	Model() string
}

// Classify maps timeouts and network failures onto domain.ErrTransientNetwork.
// Cancellation by the caller is returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || domain.IsRetryable(err) || errors.Is(err, domain.ErrMalformedResponse) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", domain.ErrTransientNetwork, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", domain.ErrTransientNetwork, err)
	}
	return err
}

// Fallback tries generators in order until one succeeds.
type Fallback struct {
	generators []Generator
	logger     *zap.Logger
}

// NewFallback skips nil generators. At least one must remain.
func NewFallback(logger *zap.Logger, generators ...Generator) (*Fallback, error) {
	f := &Fallback{logger: logger}
	for _, g := range generators {
		if g != nil {
			f.generators = append(f.generators, g)
		}
	}
	if len(f.generators) == 0 {
		return nil, errors.New("at least one ai provider is required")
	}
	return f, nil
}

func (f *Fallback) Generate(ctx context.Context, prompt string) (*Response, error) {
	var errs []error
	for i, g := range f.generators {
		resp, err := g.Generate(ctx, prompt)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		errs = append(errs, fmt.Errorf("%s: %w", g.Provider(), err))
		if i < len(f.generators)-1 {
			logger.WithProvider(f.logger, g.Provider(), g.Model()).Warn("ai provider failed, trying next", zap.Error(err))
		}
	}
	return nil, errors.Join(errs...)
}

// Provider names the primary provider.
func (f *Fallback) Provider() string { return f.generators[0].Provider() }

func (f *Fallback) Model() string { return f.generators[0].Model() }
