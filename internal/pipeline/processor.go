package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/mostaql-notifier/internal/domain"
	"github.com/spigell/mostaql-notifier/internal/logger"
	"github.com/spigell/mostaql-notifier/internal/metrics"
	"github.com/spigell/mostaql-notifier/internal/profile"
	"github.com/spigell/mostaql-notifier/internal/store"
)

// Outcome is how processing of one job ended within a cycle.
type Outcome string

const (
	OutcomeNotified    Outcome = "notified"
	OutcomeSkipped     Outcome = "skipped"
	OutcomeFailed      Outcome = "failed"
	OutcomeConflict    Outcome = "conflict"
	OutcomeParked      Outcome = "parked"
	OutcomeInterrupted Outcome = "interrupted"
)

const defaultStageTimeout = 2 * time.Minute

type Analyzer interface {
	Analyze(ctx context.Context, job *domain.Job, prof *profile.Profile) (*domain.Analysis, error)
}

type Scorer interface {
	Score(job *domain.Job, analysis *domain.Analysis) (*domain.Score, error)
}

type Notifier interface {
	Notify(ctx context.Context, job *domain.Job, analysis *domain.Analysis, score *domain.Score) (*domain.NotificationRecord, error)
}

// ProcessorStore is the part of the ledger the processor reads and commits to.
type ProcessorStore interface {
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	AdvanceStage(ctx context.Context, id string, from, to domain.Stage) error
	RecordAnalysis(ctx context.Context, analysis *domain.Analysis, from domain.Stage) error
	RecordScore(ctx context.Context, score *domain.Score, from domain.Stage) error
	RecordNotification(ctx context.Context, record *domain.NotificationRecord, from domain.Stage) error
	LatestAnalysis(ctx context.Context, jobID string) (*domain.Analysis, error)
	LatestScore(ctx context.Context, jobID string) (*domain.Score, error)
}

type ProcessorConfig struct {
	// StageTimeout bounds one stage, including a stage that keeps running
	// after shutdown was requested.
	StageTimeout time.Duration `mapstructure:"stage-timeout" validate:"gte=0"`
	MaxAttempts  int           `mapstructure:"max-attempts" validate:"gte=1"`
}

// Processor drives one job through its remaining stages. Every failure is
// recorded as failed:<stage>; nothing a single job does escapes as a panic
// or aborts the cycle.
type Processor struct {
	store    ProcessorStore
	analyzer Analyzer
	scorer   Scorer
	notifier Notifier
	profile  *profile.Profile
	cfg      ProcessorConfig
	metrics  metrics.Sink
	logger   *zap.Logger
}

func NewProcessor(st ProcessorStore, analyzer Analyzer, scorer Scorer, notifier Notifier, prof *profile.Profile, cfg ProcessorConfig, sink metrics.Sink, logger *zap.Logger) *Processor {
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = defaultStageTimeout
	}
	if sink == nil {
		sink = metrics.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		store:    st,
		analyzer: analyzer,
		scorer:   scorer,
		notifier: notifier,
		profile:  prof,
		cfg:      cfg,
		metrics:  sink,
		logger:   logger,
	}
}

// Process advances job id until it reaches a terminal stage, fails, or ctx
// is cancelled. Cancellation is only observed between stages.
func (p *Processor) Process(ctx context.Context, id string) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome, err = OutcomeFailed, fmt.Errorf("panic while processing job %s: %v", id, r)
			p.logger.Error("job processing panicked", zap.String(logger.FieldJobID, id), zap.Any("panic", r))
		}
		p.metrics.JobOutcome(string(outcome))
	}()

	job, err := p.store.GetJob(context.WithoutCancel(ctx), id)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("load job %s: %w", id, err)
	}

	for {
		if job.Stage.IsTerminal() {
			if job.Stage == domain.StageNotified {
				return OutcomeNotified, nil
			}
			return OutcomeSkipped, nil
		}
		if job.Stage.IsFailed() && p.cfg.MaxAttempts > 0 && job.Attempts >= p.cfg.MaxAttempts {
			return OutcomeParked, nil
		}
		if ctx.Err() != nil {
			return OutcomeInterrupted, ctx.Err()
		}

		next, err := p.step(ctx, job)
		if err != nil {
			return p.failure(ctx, job, err)
		}
		p.metrics.StageTransition(string(job.Stage), string(next))
		logger.WithJob(p.logger, job.ID, string(next)).Info("stage transition", zap.String("from", string(job.Stage)))
		job.Stage = next
	}
}

// step runs the stage job is waiting for and returns the committed stage.
func (p *Processor) step(parent context.Context, job *domain.Job) (domain.Stage, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), p.cfg.StageTimeout)
	defer cancel()

	switch job.Stage {
	case domain.StageDiscovered, domain.StageFailedAnalyzed:
		return p.analyze(ctx, job)
	case domain.StageAnalyzed, domain.StageFailedScored:
		return p.score(ctx, job)
	case domain.StageScored, domain.StageFailedNotified:
		return p.notify(ctx, job)
	default:
		return "", fmt.Errorf("%w: job %s is %s", domain.ErrInvalidTransition, job.ID, job.Stage)
	}
}

func (p *Processor) analyze(ctx context.Context, job *domain.Job) (domain.Stage, error) {
	analysis, err := p.analyzer.Analyze(ctx, job, p.profile)
	if err != nil {
		return "", &stageError{target: domain.StageAnalyzed, err: err}
	}
	if err := p.store.RecordAnalysis(ctx, analysis, job.Stage); err != nil {
		return "", &stageError{target: domain.StageAnalyzed, err: err}
	}
	return domain.StageAnalyzed, nil
}

func (p *Processor) score(ctx context.Context, job *domain.Job) (domain.Stage, error) {
	analysis, err := p.store.LatestAnalysis(ctx, job.ID)
	if err != nil {
		return "", &stageError{target: domain.StageScored, err: err}
	}
	score, err := p.scorer.Score(job, analysis)
	if err != nil {
		return "", &stageError{target: domain.StageScored, err: err}
	}
	if err := p.store.RecordScore(ctx, score, job.Stage); err != nil {
		return "", &stageError{target: domain.StageScored, err: err}
	}

	logger.WithJob(p.logger, job.ID, string(job.Stage)).Info("job scored",
		zap.Float64("score", score.Value),
		zap.Float64("threshold", score.Threshold),
		zap.Bool("passed", score.Passed),
		zap.String("version", score.Version),
	)
	return store.TargetStage(score), nil
}

func (p *Processor) notify(ctx context.Context, job *domain.Job) (domain.Stage, error) {
	analysis, err := p.store.LatestAnalysis(ctx, job.ID)
	if err != nil {
		return "", &stageError{target: domain.StageNotified, err: err}
	}
	score, err := p.store.LatestScore(ctx, job.ID)
	if err != nil {
		return "", &stageError{target: domain.StageNotified, err: err}
	}

	record, sendErr := p.notifier.Notify(ctx, job, analysis, score)
	if record == nil {
		return "", &stageError{target: domain.StageNotified, err: sendErr}
	}

	// The outcome and the stage are committed together, failed or not.
	if err := p.store.RecordNotification(ctx, record, job.Stage); err != nil {
		return "", &stageError{target: domain.StageNotified, err: err}
	}
	to := store.NotificationStage(record)
	if sendErr != nil {
		return "", &stageError{target: domain.StageNotified, err: sendErr, committed: true}
	}
	return to, nil
}

// stageError carries the stage a failed step was heading to.
type stageError struct {
	target domain.Stage
	err    error
	// committed is set when the failure stage was already written.
	committed bool
}

func (e *stageError) Error() string { return fmt.Sprintf("%s: %v", e.target, e.err) }
func (e *stageError) Unwrap() error { return e.err }

func (p *Processor) failure(ctx context.Context, job *domain.Job, err error) (Outcome, error) {
	log := logger.WithJob(p.logger, job.ID, string(job.Stage))

	if errors.Is(err, domain.ErrStageConflict) {
		log.Warn("stage changed concurrently, skipping job for this cycle", zap.Error(err))
		return OutcomeConflict, err
	}

	target := domain.Failed(job.Stage)
	var se *stageError
	if errors.As(err, &se) {
		target = domain.Failed(se.target)
		if se.committed {
			p.metrics.StageTransition(string(job.Stage), string(target))
			p.logParked(log, job.Attempts+1, err)
			return OutcomeFailed, err
		}
	}

	if aerr := p.store.AdvanceStage(context.WithoutCancel(ctx), job.ID, job.Stage, target); aerr != nil {
		if errors.Is(aerr, domain.ErrStageConflict) {
			log.Warn("stage changed concurrently, skipping job for this cycle", zap.Error(aerr))
			return OutcomeConflict, errors.Join(err, aerr)
		}
		log.Error("failed to record stage failure", zap.Error(aerr), zap.NamedError("cause", err))
		return OutcomeFailed, errors.Join(err, aerr)
	}

	p.metrics.StageTransition(string(job.Stage), string(target))
	p.logParked(log, job.Attempts+1, err)
	return OutcomeFailed, err
}

func (p *Processor) logParked(log *zap.Logger, attempts int, err error) {
	if p.cfg.MaxAttempts > 0 && attempts >= p.cfg.MaxAttempts {
		log.Error("job failed and is parked until requeued", zap.Int("attempts", attempts), zap.Error(err))
		return
	}
	log.Warn("job failed, will retry next cycle", zap.Int("attempts", attempts), zap.Error(err))
}
