// Package filtering drops listing entries before any detail fetch or AI call
// is spent on them.
package filtering

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/spigell/mostaql-notifier/internal/domain"
)

// Filter represents a single filtering step applied to listing entries.
type Filter interface {
	Name() string
	Disable(reason string)
	IsEnabled() bool

	Validate(cfg *Config) error
	Apply(ctx context.Context, deps Deps, jobs []*domain.Job) ([]*domain.Job, Step, error)
}

// Deps aggregates dependencies shared across all filtering steps.
type Deps struct {
	Logger *zap.Logger
	// Skills are the freelancer's own skills, used for filter exceptions.
	Skills []string
}

// Step describes the result of executing a filtering step.
type Step struct {
	Initial int
	Dropped int
	Left    int
}

// Config contains configuration settings consumed by the filters.
type Config struct {
	ExcludedPublishers []string
	ExcludeFile        string
	NegativeKeywords   []string
}

// Status represents runtime information about a filter.
type Status struct {
	Name    string
	Enabled bool
	Reason  string
	Details map[string]string
}

// statusProvider is implemented by filters that can supply detailed status information.
type statusProvider interface {
	Status() Status
}

// Default returns the standard filter chain in order.
func Default() []Filter {
	return []Filter{
		NewRequiredFields(),
		NewExcludedPublishers(),
		NewExcludeFile(),
		NewIrrelevant(),
	}
}

// DisableByName marks a filter with the provided name as disabled while keeping it in the list.
func DisableByName(steps []Filter, name, reason string) {
	for _, step := range steps {
		if step.Name() == name {
			step.Disable(reason)
		}
	}
}

// Chain is a validated, ready to run list of filters.
type Chain struct {
	steps []Filter
	deps  Deps
}

// New validates every enabled step against cfg.
func New(cfg *Config, deps Deps, steps []Filter) (*Chain, error) {
	for _, step := range steps {
		if !step.IsEnabled() {
			continue
		}
		if err := step.Validate(cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", step.Name(), err)
		}
	}
	return &Chain{steps: steps, deps: deps}, nil
}

// Run executes the filters sequentially and returns the entries that survived.
func (c *Chain) Run(ctx context.Context, jobs []*domain.Job) ([]*domain.Job, error) {
	for _, step := range c.steps {
		if !step.IsEnabled() {
			if c.deps.Logger != nil {
				c.deps.Logger.Debug("filter disabled", zap.String("name", step.Name()))
			}
			continue
		}

		next, info, err := step.Apply(ctx, c.deps, jobs)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", step.Name(), err)
		}

		if c.deps.Logger != nil && info.Dropped > 0 {
			c.deps.Logger.Info("filter step",
				zap.String("name", step.Name()),
				zap.Int("initial", info.Initial),
				zap.Int("dropped", info.Dropped),
				zap.Int("left", info.Left),
			)
		}

		jobs = next
		if len(jobs) == 0 {
			break
		}
	}

	return jobs, nil
}

// Describe returns status entries for the chain's filters.
func (c *Chain) Describe() []Status {
	return Describe(c.steps)
}

// Describe returns status entries for the provided filters.
func Describe(steps []Filter) []Status {
	statuses := make([]Status, 0, len(steps))
	for _, step := range steps {
		if reporter, ok := step.(statusProvider); ok {
			statuses = append(statuses, reporter.Status())
			continue
		}

		statuses = append(statuses, Status{
			Name:    step.Name(),
			Enabled: step.IsEnabled(),
		})
	}
	return statuses
}

// keep returns the jobs for which drop is false along with the ids dropped.
func keep(jobs []*domain.Job, drop func(*domain.Job) bool) ([]*domain.Job, []string) {
	kept := make([]*domain.Job, 0, len(jobs))
	var dropped []string
	for _, job := range jobs {
		if drop(job) {
			dropped = append(dropped, job.ID)
			continue
		}
		kept = append(kept, job)
	}
	return kept, dropped
}

type toggle struct {
	disabled bool
	reason   string
}

func (t *toggle) Disable(reason string) {
	t.disabled = true
	t.reason = reason
}

func (t *toggle) IsEnabled() bool { return !t.disabled }
