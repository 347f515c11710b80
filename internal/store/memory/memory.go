// Package memory is an in-process Store used by tests and dry runs.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spigell/mostaql-notifier/internal/domain"
	"github.com/spigell/mostaql-notifier/internal/store"
)

// Store keeps everything in maps guarded by one mutex.
type Store struct {
	mu            sync.Mutex
	jobs          map[string]*domain.Job
	analyses      map[string][]*domain.Analysis
	scores        map[string][]*domain.Score
	notifications map[string]*domain.NotificationRecord
	cursors       map[string]time.Time

	now func() time.Time
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		jobs:          make(map[string]*domain.Job),
		analyses:      make(map[string][]*domain.Analysis),
		scores:        make(map[string][]*domain.Score),
		notifications: make(map[string]*domain.NotificationRecord),
		cursors:       make(map[string]time.Time),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) UpsertJob(ctx context.Context, job *domain.Job) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if missing := job.Missing(); len(missing) > 0 {
		return false, fmt.Errorf("job %q is missing %v", job.ID, missing)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	stored, ok := s.jobs[job.ID]
	if !ok {
		c := job.Clone()
		c.Stage = domain.EntryStage(job.Stage)
		c.Attempts = 0
		c.FirstSeenAt = now
		c.UpdatedAt = now
		s.jobs[job.ID] = c
		return true, nil
	}

	if stored.Revise(job) {
		stored.UpdatedAt = now
	}
	return false, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	return job.Clone(), nil
}

func (s *Store) GetStage(ctx context.Context, id string) (domain.Stage, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return "", err
	}
	return job.Stage, nil
}

func (s *Store) AdvanceStage(ctx context.Context, id string, from, to domain.Stage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.advance(id, from, to)
}

// advance must be called with the mutex held.
func (s *Store) advance(id string, from, to domain.Stage) error {
	if err := domain.CheckTransition(from, to); err != nil {
		return err
	}

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	if job.Stage != from {
		return fmt.Errorf("%w: job %s is %s, expected %s", domain.ErrStageConflict, id, job.Stage, from)
	}

	job.Stage = to
	if to.IsFailed() {
		job.Attempts++
	}
	return nil
}

// check validates a transition without applying it.
func (s *Store) check(id string, from, to domain.Stage) error {
	if err := domain.CheckTransition(from, to); err != nil {
		return err
	}
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	if job.Stage != from {
		return fmt.Errorf("%w: job %s is %s, expected %s", domain.ErrStageConflict, id, job.Stage, from)
	}
	return nil
}

func (s *Store) RecordAnalysis(ctx context.Context, analysis *domain.Analysis, from domain.Stage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(analysis.JobID, from, domain.StageAnalyzed); err != nil {
		return err
	}

	exists := slices.ContainsFunc(s.analyses[analysis.JobID], func(a *domain.Analysis) bool {
		return a.ModelVersion == analysis.ModelVersion
	})
	if !exists {
		c := *analysis
		c.RedFlags = slices.Clone(analysis.RedFlags)
		c.GreenFlags = slices.Clone(analysis.GreenFlags)
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = s.now()
		}
		s.analyses[analysis.JobID] = append(s.analyses[analysis.JobID], &c)
	}

	return s.advance(analysis.JobID, from, domain.StageAnalyzed)
}

func (s *Store) RecordScore(ctx context.Context, score *domain.Score, from domain.Stage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	to := store.TargetStage(score)
	if err := s.check(score.JobID, from, to); err != nil {
		return err
	}

	c := *score
	c.Breakdown.Green = slices.Clone(score.Breakdown.Green)
	c.Breakdown.Red = slices.Clone(score.Breakdown.Red)
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	s.scores[score.JobID] = append(s.scores[score.JobID], &c)

	return s.advance(score.JobID, from, to)
}

func (s *Store) ReserveNotification(ctx context.Context, jobID, channel string) (*domain.NotificationRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[jobID]; !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}

	now := s.now()
	rec, ok := s.notifications[jobID]
	switch {
	case !ok:
		rec = &domain.NotificationRecord{
			JobID:     jobID,
			Channel:   channel,
			Status:    domain.NotificationPending,
			Attempts:  1,
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.notifications[jobID] = rec
	case rec.Status == domain.NotificationFailed:
		rec.Status = domain.NotificationPending
		rec.Channel = channel
		rec.Attempts++
		rec.Error = ""
		rec.UpdatedAt = now
	default:
		return nil, fmt.Errorf("%w: job %s has a %s notification", domain.ErrDuplicateNotification, jobID, rec.Status)
	}

	c := *rec
	return &c, nil
}

func (s *Store) RecordNotification(ctx context.Context, record *domain.NotificationRecord, from domain.Stage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if record.Status == domain.NotificationPending {
		return fmt.Errorf("notification for job %s has no outcome", record.JobID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	to := store.NotificationStage(record)
	if err := s.check(record.JobID, from, to); err != nil {
		return err
	}

	rec, ok := s.notifications[record.JobID]
	if !ok || rec.Status != domain.NotificationPending {
		return fmt.Errorf("%w: job %s has no pending reservation", domain.ErrDuplicateNotification, record.JobID)
	}

	rec.Status = record.Status
	rec.MessageRef = record.MessageRef
	rec.Error = record.Error
	rec.UpdatedAt = s.now()

	return s.advance(record.JobID, from, to)
}

func (s *Store) LatestAnalysis(ctx context.Context, jobID string) (*domain.Analysis, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.analyses[jobID]
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: no analysis for %s", domain.ErrJobNotFound, jobID)
	}
	c := *list[len(list)-1]
	return &c, nil
}

func (s *Store) LatestScore(ctx context.Context, jobID string) (*domain.Score, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.scores[jobID]
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: no score for %s", domain.ErrJobNotFound, jobID)
	}
	c := *list[len(list)-1]
	return &c, nil
}

func (s *Store) Notification(ctx context.Context, jobID string) (*domain.NotificationRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.notifications[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: no notification for %s", domain.ErrJobNotFound, jobID)
	}
	c := *rec
	return &c, nil
}

func (s *Store) JobsInStage(ctx context.Context, stage domain.Stage, limit int) iter.Seq2[domain.JobRef, error] {
	return func(yield func(domain.JobRef, error) bool) {
		var after *domain.JobRef
		yielded := 0
		for {
			if err := ctx.Err(); err != nil {
				yield(domain.JobRef{}, err)
				return
			}

			page := s.page(stage, after, store.DefaultPageSize)
			if len(page) == 0 {
				return
			}
			for _, ref := range page {
				if limit > 0 && yielded >= limit {
					return
				}
				if !yield(ref, nil) {
					return
				}
				yielded++
			}
			last := page[len(page)-1]
			after = &last
		}
	}
}

func (s *Store) page(stage domain.Stage, after *domain.JobRef, size int) []domain.JobRef {
	s.mu.Lock()
	defer s.mu.Unlock()

	var refs []domain.JobRef
	for _, job := range s.jobs {
		if job.Stage != stage {
			continue
		}
		ref := domain.JobRef{ID: job.ID, Stage: job.Stage, Attempts: job.Attempts, FirstSeenAt: job.FirstSeenAt}
		if after != nil && compareRefs(ref, *after) <= 0 {
			continue
		}
		refs = append(refs, ref)
	}

	slices.SortFunc(refs, compareRefs)
	if len(refs) > size {
		refs = refs[:size]
	}
	return refs
}

func compareRefs(a, b domain.JobRef) int {
	if c := a.FirstSeenAt.Compare(b.FirstSeenAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

func (s *Store) Cursor(ctx context.Context, name string) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cursors[name], nil
}

func (s *Store) SaveCursor(ctx context.Context, name string, value time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cursors[name] = value
	return nil
}

func (s *Store) ResetAttempts(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	job.Attempts = 0
	return nil
}

func (s *Store) ReleaseNotification(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.notifications[jobID]
	if !ok || rec.Status != domain.NotificationPending {
		return fmt.Errorf("%w: no pending notification for %s", domain.ErrJobNotFound, jobID)
	}
	rec.Status = domain.NotificationFailed
	rec.Error = "reservation released"
	rec.UpdatedAt = s.now()
	return nil
}

func (s *Store) Close() error { return nil }

// SetClock replaces the clock used for timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Counts returns the number of stored rows per kind.
func (s *Store) Counts() (jobs, analyses, scores, notifications int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, list := range s.analyses {
		analyses += len(list)
	}
	for _, list := range s.scores {
		scores += len(list)
	}
	return len(s.jobs), analyses, scores, len(s.notifications)
}
