package filtering

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/spigell/mostaql-notifier/internal/domain"
	"github.com/spigell/mostaql-notifier/internal/textnorm"
)

// signal is a phrase marking work the freelancer does not do. When the
// freelancer lists exception among their skills the signal is ignored.
type signal struct {
	phrase    string
	label     string
	exception string
}

var irrelevantSignals = []signal{
	{phrase: "ترجمة", label: "translation"},
	{phrase: "كتابة مقالات", label: "article writing"},
	{phrase: "تفريغ صوتي", label: "transcription"},
	{phrase: "فويس أوفر", label: "voice over"},
	{phrase: "voice over", label: "voice over"},
	{phrase: "تصميم شعار", label: "logo design", exception: "design"},
	{phrase: "تصميم جرافيك", label: "graphic design", exception: "design"},
	{phrase: "إدخال بيانات", label: "data entry", exception: "data entry"},
	{phrase: "تسويق", label: "marketing", exception: "marketing"},
	{phrase: "سيو", label: "seo", exception: "seo"},
	{phrase: "SEO", label: "seo", exception: "seo"},
}

type irrelevantFilter struct {
	toggle
	negative []string
}

// NewIrrelevant creates the zero-cost keyword filter. It matches the title
// and brief only, since the full description is not fetched yet.
func NewIrrelevant() Filter {
	return &irrelevantFilter{}
}

func (f *irrelevantFilter) Name() string { return "irrelevant" }

func (f *irrelevantFilter) Validate(cfg *Config) error {
	f.negative = nil
	if cfg != nil {
		f.negative = append(f.negative, cfg.NegativeKeywords...)
	}
	return nil
}

func (f *irrelevantFilter) Apply(_ context.Context, deps Deps, jobs []*domain.Job) ([]*domain.Job, Step, error) {
	initial := len(jobs)

	skills := make(map[string]bool, len(deps.Skills))
	for _, s := range deps.Skills {
		skills[textnorm.Normalize(s)] = true
	}

	left, dropped := keep(jobs, func(job *domain.Job) bool {
		reason := f.reject(job.Title+" "+job.Brief, skills)
		if reason != "" && deps.Logger != nil {
			deps.Logger.Debug("irrelevant listing entry",
				zap.String("job_id", job.ID),
				zap.String("reason", reason),
			)
		}
		return reason != ""
	})

	return left, Step{Initial: initial, Dropped: len(dropped), Left: len(left)}, nil
}

// reject returns why text is irrelevant, or an empty string.
func (f *irrelevantFilter) reject(text string, skills map[string]bool) string {
	for _, kw := range f.negative {
		if textnorm.Contains(text, kw) {
			return "negative keyword: " + kw
		}
	}

	for _, s := range irrelevantSignals {
		if !textnorm.Contains(text, s.phrase) {
			continue
		}
		if s.exception != "" && skills[s.exception] {
			continue
		}
		return "irrelevant category: " + s.label
	}

	return ""
}

func (f *irrelevantFilter) Status() Status {
	return Status{
		Name:    f.Name(),
		Enabled: f.IsEnabled(),
		Reason:  f.reason,
		Details: map[string]string{
			"negative_keywords": strconv.Itoa(len(f.negative)),
			"signals":           strconv.Itoa(len(irrelevantSignals)),
		},
	}
}
