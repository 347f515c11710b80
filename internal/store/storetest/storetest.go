// Package storetest holds the behaviour every Store implementation must share.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spigell/mostaql-notifier/internal/domain"
	"github.com/spigell/mostaql-notifier/internal/store"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) store.Store

// Run executes the shared suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("UpsertIsIdempotent", func(t *testing.T) { testUpsertIsIdempotent(t, newStore(t)) })
	t.Run("UpsertProvisionalEntry", func(t *testing.T) { testUpsertProvisional(t, newStore(t)) })
	t.Run("UpsertRevisesMutableFields", func(t *testing.T) { testUpsertRevises(t, newStore(t)) })
	t.Run("AdvanceStageCompareAndSwap", func(t *testing.T) { testAdvanceStage(t, newStore(t)) })
	t.Run("ConcurrentAdvanceHasOneWinner", func(t *testing.T) { testConcurrentAdvance(t, newStore(t)) })
	t.Run("StagesCannotMoveBackwards", func(t *testing.T) { testMonotonic(t, newStore(t)) })
	t.Run("RecordAnalysisIsAtomic", func(t *testing.T) { testRecordAnalysis(t, newStore(t)) })
	t.Run("RecordScoreRoutesByOutcome", func(t *testing.T) { testRecordScore(t, newStore(t)) })
	t.Run("NotificationReservation", func(t *testing.T) { testNotificationReservation(t, newStore(t)) })
	t.Run("JobsInStageOrderAndRestart", func(t *testing.T) { testJobsInStage(t, newStore(t)) })
	t.Run("Cursor", func(t *testing.T) { testCursor(t, newStore(t)) })
	t.Run("OperatorRequeue", func(t *testing.T) { testRequeue(t, newStore(t)) })
}

// NewJob returns a valid job fixture.
func NewJob(id string) *domain.Job {
	return &domain.Job{
		ID:        id,
		Title:     "Job " + id,
		Brief:     "brief " + id,
		URL:       "https://mostaql.com/project/" + id,
		PostedAt:  time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
		Tags:      []string{"go"},
		Publisher: domain.Publisher{Name: "client"},
	}
}

func seed(t *testing.T, s store.Store, id string) {
	t.Helper()
	isNew, err := s.UpsertJob(context.Background(), NewJob(id))
	require.NoError(t, err)
	require.True(t, isNew)
}

func testUpsertIsIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()

	isNew, err := s.UpsertJob(ctx, NewJob("1"))
	require.NoError(t, err)
	assert.True(t, isNew)

	isNew, err = s.UpsertJob(ctx, NewJob("1"))
	require.NoError(t, err)
	assert.False(t, isNew, "second upsert must report not new")

	job, err := s.GetJob(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, domain.StageDiscovered, job.Stage)
	assert.Equal(t, "Job 1", job.Title)

	_, err = s.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func testUpsertProvisional(t *testing.T, s store.Store) {
	ctx := context.Background()

	provisional := NewJob("1")
	provisional.Stage = domain.StageFailedDiscovered
	isNew, err := s.UpsertJob(ctx, provisional)
	require.NoError(t, err)
	require.True(t, isNew)

	// Other stages are not honoured on insert.
	other := NewJob("2")
	other.Stage = domain.StageNotified
	_, err = s.UpsertJob(ctx, other)
	require.NoError(t, err)

	stage, err := s.GetStage(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, domain.StageFailedDiscovered, stage)
	job, err := s.GetJob(ctx, "1")
	require.NoError(t, err)
	assert.Zero(t, job.Attempts, "a provisional entry has not failed yet")

	stage, err = s.GetStage(ctx, "2")
	require.NoError(t, err)
	assert.Equal(t, domain.StageDiscovered, stage)

	// Revisions never move a known job.
	detailed := NewJob("1")
	detailed.Description = "full description"
	_, err = s.UpsertJob(ctx, detailed)
	require.NoError(t, err)
	stage, err = s.GetStage(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, domain.StageFailedDiscovered, stage)
}

func testUpsertRevises(t *testing.T, s store.Store) {
	ctx := context.Background()
	seed(t, s, "1")

	before, err := s.GetJob(ctx, "1")
	require.NoError(t, err)

	detailed := NewJob("1")
	detailed.Description = "full description"
	detailed.Budget = domain.Budget{Min: domain.Float(100), Max: domain.Float(500), Raw: "$100.00 - $500.00"}
	detailed.Publisher.HireRate = domain.Float(65)

	isNew, err := s.UpsertJob(ctx, detailed)
	require.NoError(t, err)
	assert.False(t, isNew)

	after, err := s.GetJob(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "full description", after.Description)
	require.NotNil(t, after.Budget.Max)
	assert.InDelta(t, 500, *after.Budget.Max, 1e-9)
	require.NotNil(t, after.Publisher.HireRate)
	assert.InDelta(t, 65, *after.Publisher.HireRate, 1e-9)
	assert.False(t, after.UpdatedAt.Before(before.UpdatedAt))
	assert.Equal(t, before.FirstSeenAt.Unix(), after.FirstSeenAt.Unix())

	// A later listing scrape without detail fields keeps what is known.
	_, err = s.UpsertJob(ctx, NewJob("1"))
	require.NoError(t, err)
	again, err := s.GetJob(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "full description", again.Description)
	require.NotNil(t, again.Budget.Max)
}

func testAdvanceStage(t *testing.T, s store.Store) {
	ctx := context.Background()
	seed(t, s, "1")

	err := s.AdvanceStage(ctx, "1", domain.StageAnalyzed, domain.StageScored)
	assert.ErrorIs(t, err, domain.ErrStageConflict)

	require.NoError(t, s.AdvanceStage(ctx, "1", domain.StageDiscovered, domain.StageFailedAnalyzed))
	require.NoError(t, s.AdvanceStage(ctx, "1", domain.StageFailedAnalyzed, domain.StageFailedAnalyzed))

	job, err := s.GetJob(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, domain.StageFailedAnalyzed, job.Stage)
	assert.Equal(t, 2, job.Attempts)

	stage, err := s.GetStage(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, domain.StageFailedAnalyzed, stage)

	err = s.AdvanceStage(ctx, "missing", domain.StageDiscovered, domain.StageAnalyzed)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func testConcurrentAdvance(t *testing.T, s store.Store) {
	ctx := context.Background()
	seed(t, s, "1")

	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.AdvanceStage(ctx, "1", domain.StageDiscovered, domain.StageFailedDiscovered)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, domain.ErrStageConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(7), conflicts.Load())
}

func testMonotonic(t *testing.T, s store.Store) {
	ctx := context.Background()
	seed(t, s, "1")

	err := s.AdvanceStage(ctx, "1", domain.StageDiscovered, domain.StageScored)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	require.NoError(t, s.RecordAnalysis(ctx, analysisFor("1", "v1"), domain.StageDiscovered))
	require.NoError(t, s.RecordScore(ctx, &domain.Score{JobID: "1", Value: 0.9, Threshold: 0.5, Passed: true}, domain.StageAnalyzed))

	err = s.AdvanceStage(ctx, "1", domain.StageScored, domain.StageDiscovered)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	stage, err := s.GetStage(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, domain.StageScored, stage)
}

func analysisFor(jobID, version string) *domain.Analysis {
	return &domain.Analysis{
		JobID:             jobID,
		ModelVersion:      version,
		Provider:          "gemini",
		Model:             "gemini-2.5-flash",
		HiringProbability: 80,
		FitScore:          80,
		Recommendation:    domain.RecommendInstant,
		RedFlags:          []string{"new account"},
		Raw:               `{"fit_score": 80}`,
		CreatedAt:         time.Date(2026, 2, 1, 11, 0, 0, 0, time.UTC),
	}
}

func testRecordAnalysis(t *testing.T, s store.Store) {
	ctx := context.Background()
	seed(t, s, "1")

	// Wrong expected stage: nothing is written.
	err := s.RecordAnalysis(ctx, analysisFor("1", "v1"), domain.StageFailedAnalyzed)
	assert.ErrorIs(t, err, domain.ErrStageConflict)
	_, err = s.LatestAnalysis(ctx, "1")
	assert.Error(t, err, "analysis must not be stored when the stage advance fails")

	require.NoError(t, s.RecordAnalysis(ctx, analysisFor("1", "v1"), domain.StageDiscovered))

	got, err := s.LatestAnalysis(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, 80, got.FitScore)
	assert.Equal(t, []string{"new account"}, got.RedFlags)
	assert.Equal(t, `{"fit_score": 80}`, got.Raw)
	assert.NotEmpty(t, got.ID)

	stage, err := s.GetStage(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, domain.StageAnalyzed, stage)
}

func testRecordScore(t *testing.T, s store.Store) {
	ctx := context.Background()
	seed(t, s, "pass")
	seed(t, s, "fail")

	for _, id := range []string{"pass", "fail"} {
		require.NoError(t, s.RecordAnalysis(ctx, analysisFor(id, "v1"), domain.StageDiscovered))
	}

	require.NoError(t, s.AdvanceStage(ctx, "pass", domain.StageAnalyzed, domain.StageFailedScored))
	require.NoError(t, s.RecordScore(ctx, &domain.Score{JobID: "pass", Value: 0.82, Threshold: 0.5, Passed: true, Version: "b",
		Breakdown: domain.ScoreBreakdown{AI: 0.8, Green: []string{"scraping"}}}, domain.StageFailedScored))
	require.NoError(t, s.RecordScore(ctx, &domain.Score{JobID: "fail", Value: 0.4, Threshold: 0.5, Passed: false, Version: "a"}, domain.StageAnalyzed))

	passStage, err := s.GetStage(ctx, "pass")
	require.NoError(t, err)
	assert.Equal(t, domain.StageScored, passStage)

	failStage, err := s.GetStage(ctx, "fail")
	require.NoError(t, err)
	assert.Equal(t, domain.StageSkipped, failStage)

	latest, err := s.LatestScore(ctx, "pass")
	require.NoError(t, err)
	assert.InDelta(t, 0.82, latest.Value, 1e-9)
	assert.Equal(t, "b", latest.Version)
	assert.Equal(t, []string{"scraping"}, latest.Breakdown.Green)
}

func testNotificationReservation(t *testing.T, s store.Store) {
	ctx := context.Background()
	seed(t, s, "1")
	require.NoError(t, s.RecordAnalysis(ctx, analysisFor("1", "v1"), domain.StageDiscovered))
	require.NoError(t, s.RecordScore(ctx, &domain.Score{JobID: "1", Value: 0.9, Threshold: 0.5, Passed: true}, domain.StageAnalyzed))

	rec, err := s.ReserveNotification(ctx, "1", "telegram")
	require.NoError(t, err)
	assert.Equal(t, domain.NotificationPending, rec.Status)
	assert.Equal(t, 1, rec.Attempts)

	// A pending reservation blocks any further send.
	_, err = s.ReserveNotification(ctx, "1", "telegram")
	assert.ErrorIs(t, err, domain.ErrDuplicateNotification)

	rec.Status = domain.NotificationFailed
	rec.Error = "bad gateway"
	require.NoError(t, s.RecordNotification(ctx, rec, domain.StageScored))

	stage, err := s.GetStage(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, domain.StageFailedNotified, stage)

	// A failed record may be retried.
	rec, err = s.ReserveNotification(ctx, "1", "telegram")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Attempts)

	rec.Status = domain.NotificationSent
	rec.MessageRef = "42"
	require.NoError(t, s.RecordNotification(ctx, rec, domain.StageFailedNotified))

	stored, err := s.Notification(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, domain.NotificationSent, stored.Status)
	assert.Equal(t, "42", stored.MessageRef)
	assert.Empty(t, stored.Error)

	_, err = s.ReserveNotification(ctx, "1", "telegram")
	assert.ErrorIs(t, err, domain.ErrDuplicateNotification, "a sent job must never be reserved again")

	stage, err = s.GetStage(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, domain.StageNotified, stage)
}

func testJobsInStage(t *testing.T, s store.Store) {
	ctx := context.Background()

	const total = store.DefaultPageSize + 5
	ids := make([]string, 0, total)
	for i := 0; i < total; i++ {
		id := fmt.Sprintf("job-%03d", i)
		ids = append(ids, id)
		seed(t, s, id)
	}
	require.NoError(t, s.AdvanceStage(ctx, ids[0], domain.StageDiscovered, domain.StageFailedDiscovered))

	collect := func(limit int) []domain.JobRef {
		var refs []domain.JobRef
		for ref, err := range s.JobsInStage(ctx, domain.StageDiscovered, limit) {
			require.NoError(t, err)
			refs = append(refs, ref)
		}
		return refs
	}

	all := collect(0)
	require.Len(t, all, total-1, "walk must cross page boundaries")
	for i := 1; i < len(all); i++ {
		prev, cur := all[i-1], all[i]
		ordered := prev.FirstSeenAt.Before(cur.FirstSeenAt) ||
			(prev.FirstSeenAt.Equal(cur.FirstSeenAt) && prev.ID < cur.ID)
		assert.True(t, ordered, "refs out of order at %d", i)
		assert.Equal(t, domain.StageDiscovered, cur.Stage)
	}

	limited := collect(3)
	assert.Len(t, limited, 3)

	// Ranging again restarts from the beginning.
	assert.Equal(t, limited, collect(3))

	var early int
	for range s.JobsInStage(ctx, domain.StageDiscovered, 0) {
		early++
		if early == 2 {
			break
		}
	}
	assert.Equal(t, 2, early)

	failed := 0
	for ref, err := range s.JobsInStage(ctx, domain.StageFailedDiscovered, 10) {
		require.NoError(t, err)
		assert.Equal(t, ids[0], ref.ID)
		assert.Equal(t, 1, ref.Attempts)
		failed++
	}
	assert.Equal(t, 1, failed)
}

func testCursor(t *testing.T, s store.Store) {
	ctx := context.Background()

	zero, err := s.Cursor(ctx, store.CollectorCursor)
	require.NoError(t, err)
	assert.True(t, zero.IsZero())

	value := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	require.NoError(t, s.SaveCursor(ctx, store.CollectorCursor, value))
	require.NoError(t, s.SaveCursor(ctx, store.CollectorCursor, value))

	got, err := s.Cursor(ctx, store.CollectorCursor)
	require.NoError(t, err)
	assert.True(t, value.Equal(got), "expected %s, got %s", value, got)
}

func testRequeue(t *testing.T, s store.Store) {
	ctx := context.Background()
	seed(t, s, "1")
	require.NoError(t, s.AdvanceStage(ctx, "1", domain.StageDiscovered, domain.StageFailedAnalyzed))
	require.NoError(t, s.ResetAttempts(ctx, "1"))

	job, err := s.GetJob(ctx, "1")
	require.NoError(t, err)
	assert.Zero(t, job.Attempts)

	require.NoError(t, s.RecordAnalysis(ctx, analysisFor("1", "v1"), domain.StageFailedAnalyzed))
	require.NoError(t, s.RecordScore(ctx, &domain.Score{JobID: "1", Value: 0.9, Threshold: 0.5, Passed: true}, domain.StageAnalyzed))
	_, err = s.ReserveNotification(ctx, "1", "telegram")
	require.NoError(t, err)

	require.NoError(t, s.ReleaseNotification(ctx, "1"))
	rec, err := s.ReserveNotification(ctx, "1", "telegram")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Attempts)

	assert.Error(t, s.ReleaseNotification(ctx, "missing"))
}
