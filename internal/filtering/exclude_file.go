package filtering

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/mostaql-notifier/internal/domain"
)

// ExcludedJobs is the on-disk list of postings the operator never wants to see.
type ExcludedJobs struct {
	Items []*ExcludedJob
}

type ExcludedJob struct {
	ID            string
	URL           string
	PublisherName string
	ExcludedAt    time.Time
}

// ReadExcludedJobs loads the exclude file. A missing or empty file is an empty list.
func ReadExcludedJobs(path string) (*ExcludedJobs, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return &ExcludedJobs{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return nil, err
	}

	if stat.Size() == 0 {
		return &ExcludedJobs{}, nil
	}

	var excluded ExcludedJobs
	if err := json.NewDecoder(file).Decode(&excluded); err != nil {
		return nil, err
	}
	return &excluded, nil
}

// Exclude builds an entry for job.
func Exclude(job *domain.Job) *ExcludedJob {
	return &ExcludedJob{
		ID:            job.ID,
		URL:           job.URL,
		PublisherName: job.Publisher.Name,
		ExcludedAt:    time.Now().UTC(),
	}
}

// Append adds entries that are not already listed.
func (e *ExcludedJobs) Append(items ...*ExcludedJob) {
	for _, item := range items {
		if !slices.Contains(e.IDs(), item.ID) {
			e.Items = append(e.Items, item)
		}
	}
}

func (e *ExcludedJobs) IDs() []string {
	ids := make([]string, 0, len(e.Items))
	for _, item := range e.Items {
		ids = append(ids, item.ID)
	}
	return ids
}

// ToFile rewrites the exclude file.
func (e *ExcludedJobs) ToFile(path string) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	return enc.Encode(e)
}

type excludeFileFilter struct {
	toggle
	path string
}

// NewExcludeFile creates a filter that removes entries listed in the exclude file.
func NewExcludeFile() Filter {
	return &excludeFileFilter{}
}

func (f *excludeFileFilter) Name() string { return "exclude_file" }

func (f *excludeFileFilter) Validate(cfg *Config) error {
	f.path = ""
	if cfg != nil {
		f.path = strings.TrimSpace(cfg.ExcludeFile)
	}
	return nil
}

func (f *excludeFileFilter) Apply(_ context.Context, deps Deps, jobs []*domain.Job) ([]*domain.Job, Step, error) {
	initial := len(jobs)
	if f.path == "" {
		return jobs, Step{Initial: initial, Left: initial}, nil
	}

	excluded, err := ReadExcludedJobs(f.path)
	if err != nil {
		return jobs, Step{}, fmt.Errorf("getting excluded jobs from file: %w", err)
	}

	ids := excluded.IDs()
	left, dropped := keep(jobs, func(job *domain.Job) bool {
		return slices.Contains(ids, job.ID)
	})

	if deps.Logger != nil && len(dropped) > 0 {
		deps.Logger.Info("excluding jobs based on exclude file",
			zap.String("path", f.path),
			zap.Strings("excluded_jobs", dropped),
			zap.Int("jobs_left", len(left)),
		)
	}

	return left, Step{Initial: initial, Dropped: len(dropped), Left: len(left)}, nil
}

func (f *excludeFileFilter) Status() Status {
	details := map[string]string{}
	if f.path != "" {
		details["path"] = f.path
	}
	return Status{Name: f.Name(), Enabled: f.IsEnabled(), Reason: f.reason, Details: details}
}
