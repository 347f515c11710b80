package filtering

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/spigell/mostaql-notifier/internal/domain"
)

type requiredFieldsFilter struct{}

// NewRequiredFields creates a filter that drops malformed entries. It cannot
// be disabled.
func NewRequiredFields() Filter {
	return &requiredFieldsFilter{}
}

func (f *requiredFieldsFilter) Name() string { return "required_fields" }

func (f *requiredFieldsFilter) Disable(string) {}

func (f *requiredFieldsFilter) IsEnabled() bool { return true }

func (f *requiredFieldsFilter) Validate(*Config) error { return nil }

func (f *requiredFieldsFilter) Apply(_ context.Context, deps Deps, jobs []*domain.Job) ([]*domain.Job, Step, error) {
	initial := len(jobs)
	left, dropped := keep(jobs, func(job *domain.Job) bool {
		missing := job.Missing()
		if len(missing) > 0 && deps.Logger != nil {
			deps.Logger.Warn("dropping malformed listing entry",
				zap.String("job_id", job.ID),
				zap.String("missing", strings.Join(missing, ",")),
			)
		}
		return len(missing) > 0
	})

	return left, Step{Initial: initial, Dropped: len(dropped), Left: len(left)}, nil
}
