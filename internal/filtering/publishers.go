package filtering

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/spigell/mostaql-notifier/internal/domain"
	"github.com/spigell/mostaql-notifier/internal/textnorm"
)

type excludedPublishersFilter struct {
	toggle
	publishers []string
}

// NewExcludedPublishers creates a filter that removes entries posted by publishers configured in the config.
func NewExcludedPublishers() Filter {
	return &excludedPublishersFilter{}
}

func (f *excludedPublishersFilter) Name() string { return "excluded_publishers" }

func (f *excludedPublishersFilter) Validate(cfg *Config) error {
	f.publishers = nil
	if cfg == nil {
		return nil
	}
	for _, name := range cfg.ExcludedPublishers {
		if n := textnorm.Normalize(name); n != "" {
			f.publishers = append(f.publishers, n)
		}
	}
	return nil
}

func (f *excludedPublishersFilter) Apply(_ context.Context, deps Deps, jobs []*domain.Job) ([]*domain.Job, Step, error) {
	initial := len(jobs)
	if len(f.publishers) == 0 {
		return jobs, Step{Initial: initial, Left: initial}, nil
	}

	left, dropped := keep(jobs, func(job *domain.Job) bool {
		name := textnorm.Normalize(job.Publisher.Name)
		if name == "" {
			return false
		}
		for _, p := range f.publishers {
			if p == name {
				return true
			}
		}
		return false
	})

	if deps.Logger != nil && len(dropped) > 0 {
		deps.Logger.Info("excluding jobs by publishers",
			zap.Strings("excluded_jobs", dropped),
			zap.Int("jobs_left", len(left)),
		)
	}

	return left, Step{Initial: initial, Dropped: len(dropped), Left: len(left)}, nil
}

func (f *excludedPublishersFilter) Status() Status {
	details := map[string]string{}
	if len(f.publishers) > 0 {
		details["publishers"] = strings.Join(f.publishers, ",")
	}
	return Status{Name: f.Name(), Enabled: f.IsEnabled(), Reason: f.reason, Details: details}
}
