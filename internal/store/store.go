// Package store defines the ledger shared by every pipeline stage.
package store

import (
	"context"
	"iter"
	"time"

	"github.com/spigell/mostaql-notifier/internal/domain"
)

// CollectorCursor is the cursor name used by the collector.
const CollectorCursor = "collector"

// DefaultPageSize is the page size used by JobsInStage walks.
const DefaultPageSize = 100

// Store is the durable ledger of jobs and everything derived from them.
// A stage transition and the record that justifies it are always written
// together or not at all.
type Store interface {
	// UpsertJob inserts a job on first sight and applies source revisions
	// otherwise. It reports whether the job was new. New jobs enter in
	// domain.EntryStage of the given stage. The stage of a known job is
	// never touched.
	UpsertJob(ctx context.Context, job *domain.Job) (bool, error)
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	GetStage(ctx context.Context, id string) (domain.Stage, error)
	// AdvanceStage moves a job from one stage to another only if it is
	// still in the expected stage.
	AdvanceStage(ctx context.Context, id string, from, to domain.Stage) error

	// RecordAnalysis appends an analysis and moves the job to analyzed.
	RecordAnalysis(ctx context.Context, analysis *domain.Analysis, from domain.Stage) error
	// RecordScore appends a score and moves the job to scored or skipped.
	RecordScore(ctx context.Context, score *domain.Score, from domain.Stage) error
	// ReserveNotification claims the right to send for a job. It fails with
	// domain.ErrDuplicateNotification when a send is pending or done.
	ReserveNotification(ctx context.Context, jobID, channel string) (*domain.NotificationRecord, error)
	// RecordNotification stores the send outcome and moves the job to
	// notified or failed:notified.
	RecordNotification(ctx context.Context, record *domain.NotificationRecord, from domain.Stage) error

	LatestAnalysis(ctx context.Context, jobID string) (*domain.Analysis, error)
	LatestScore(ctx context.Context, jobID string) (*domain.Score, error)
	Notification(ctx context.Context, jobID string) (*domain.NotificationRecord, error)

	// JobsInStage lazily walks the jobs parked in a stage, oldest first,
	// yielding at most limit refs. Ranging over the result again restarts
	// the walk.
	JobsInStage(ctx context.Context, stage domain.Stage, limit int) iter.Seq2[domain.JobRef, error]

	Cursor(ctx context.Context, name string) (time.Time, error)
	SaveCursor(ctx context.Context, name string, value time.Time) error

	// ResetAttempts clears the failure counter of a parked job.
	ResetAttempts(ctx context.Context, id string) error
	// ReleaseNotification turns a pending reservation into a failed one so
	// that the next attempt may send again.
	ReleaseNotification(ctx context.Context, jobID string) error

	Close() error
}

// TargetStage returns the stage a score moves its job to.
func TargetStage(score *domain.Score) domain.Stage {
	if score.Passed {
		return domain.StageScored
	}
	return domain.StageSkipped
}

// NotificationStage returns the stage a notification outcome moves its job to.
func NotificationStage(record *domain.NotificationRecord) domain.Stage {
	if record.Status == domain.NotificationSent {
		return domain.StageNotified
	}
	return domain.StageFailedNotified
}
