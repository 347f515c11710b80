// Package pipeline ties collection, analysis, scoring and notification into
// recurring single-flight cycles.
package pipeline

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spigell/mostaql-notifier/internal/collector"
	"github.com/spigell/mostaql-notifier/internal/domain"
	"github.com/spigell/mostaql-notifier/internal/lock"
	"github.com/spigell/mostaql-notifier/internal/logger"
	"github.com/spigell/mostaql-notifier/internal/metrics"
	"github.com/spigell/mostaql-notifier/internal/store"
)

// ErrCycleInProgress is returned when another cycle holds the lock.
var ErrCycleInProgress = errors.New("cycle already in progress")

// State is the phase a cycle is in.
type State int32

const (
	StateIdle State = iota
	StateCollecting
	StateProcessing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateCollecting:
		return "COLLECTING"
	case StateProcessing:
		return "PROCESSING"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

type Collector interface {
	FetchNewJobs(ctx context.Context, since time.Time) (*collector.Result, error)
}

type JobProcessor interface {
	Process(ctx context.Context, id string) (Outcome, error)
}

// CycleStore is the part of the ledger the cycle reads directly.
type CycleStore interface {
	Cursor(ctx context.Context, name string) (time.Time, error)
	SaveCursor(ctx context.Context, name string, value time.Time) error
	JobsInStage(ctx context.Context, stage domain.Stage, limit int) iter.Seq2[domain.JobRef, error]
}

type CycleConfig struct {
	Workers     int `mapstructure:"workers" validate:"gte=1"`
	MaxAttempts int `mapstructure:"max-attempts" validate:"gte=1"`
	// BatchLimit caps the jobs processed per cycle. Zero means no cap.
	BatchLimit int `mapstructure:"batch-limit" validate:"gte=0"`
}

// Report summarizes one cycle.
type Report struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time

	Collected     int
	Seen          int
	Dropped       int
	CollectFailed int
	Pages         int

	Pending  int
	Parked   int
	Outcomes map[Outcome]int
}

// Cycle runs IDLE → COLLECTING → PROCESSING → IDLE.
type Cycle struct {
	collector Collector
	processor JobProcessor
	store     CycleStore
	lock      lock.Lock
	cfg       CycleConfig
	metrics   metrics.Sink
	logger    *zap.Logger

	state atomic.Int32
	now   func() time.Time
}

func NewCycle(c Collector, p JobProcessor, st CycleStore, l lock.Lock, cfg CycleConfig, sink metrics.Sink, logger *zap.Logger) *Cycle {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if l == nil {
		l = lock.NewLocal()
	}
	if sink == nil {
		sink = metrics.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cycle{
		collector: c,
		processor: p,
		store:     st,
		lock:      l,
		cfg:       cfg,
		metrics:   sink,
		logger:    logger,
		now:       time.Now,
	}
}

// State reports the current phase.
func (c *Cycle) State() State { return State(c.state.Load()) }

func (c *Cycle) setState(s State) { c.state.Store(int32(s)) }

// Run executes one cycle. Per-job failures never abort it; a collection
// failure ends it early and the next cycle retries.
func (c *Cycle) Run(ctx context.Context) (*Report, error) {
	release, ok, err := c.lock.TryAcquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire cycle lock: %w", err)
	}
	if !ok {
		c.metrics.CycleCompleted(0, metrics.CycleSkipped)
		return nil, ErrCycleInProgress
	}
	defer release()

	report := &Report{
		ID:        uuid.NewString(),
		StartedAt: c.now(),
		Outcomes:  make(map[Outcome]int),
	}
	log := logger.WithCycle(c.logger, report.ID)

	c.metrics.CycleStarted()
	outcome := metrics.CycleFailed
	defer func() {
		c.setState(StateIdle)
		report.FinishedAt = c.now()
		c.metrics.CycleCompleted(report.FinishedAt.Sub(report.StartedAt), outcome)
	}()

	log.Info("cycle started")

	c.setState(StateCollecting)
	if err := c.collect(ctx, log, report); err != nil {
		log.Error("collection failed, ending cycle early", zap.Error(err))
		return report, err
	}

	c.setState(StateProcessing)
	if err := c.process(ctx, log, report); err != nil {
		log.Error("processing failed", zap.Error(err))
		return report, err
	}

	outcome = metrics.CycleCompleted
	log.Info("cycle finished",
		zap.Int("collected", report.Collected),
		zap.Int("pending", report.Pending),
		zap.Int("parked", report.Parked),
		zap.Int("notified", report.Outcomes[OutcomeNotified]),
		zap.Int("skipped", report.Outcomes[OutcomeSkipped]),
		zap.Int("failed", report.Outcomes[OutcomeFailed]),
		zap.Int("interrupted", report.Outcomes[OutcomeInterrupted]),
		zap.Duration("took", c.now().Sub(report.StartedAt)),
	)
	return report, nil
}

func (c *Cycle) collect(ctx context.Context, log *zap.Logger, report *Report) error {
	since, err := c.store.Cursor(ctx, store.CollectorCursor)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}

	res, err := c.collector.FetchNewJobs(ctx, since)
	if err != nil {
		return fmt.Errorf("collect: %w", err)
	}

	report.Collected = len(res.Jobs)
	report.Seen = res.Seen
	report.Dropped = res.Dropped
	report.CollectFailed = res.Failed
	report.Pages = res.Pages
	c.metrics.JobsCollected(len(res.Jobs))

	if res.Cursor.After(since) {
		if err := c.store.SaveCursor(ctx, store.CollectorCursor, res.Cursor); err != nil {
			// Losing the cursor only costs a longer walk next time.
			log.Warn("failed to save collector cursor", zap.Error(err))
		}
	}

	log.Info("collection finished",
		zap.Int("new", len(res.Jobs)),
		zap.Int("seen", res.Seen),
		zap.Int("dropped", res.Dropped),
		zap.Int("failed", res.Failed),
		zap.Int("pages", res.Pages),
	)
	return nil
}

func (c *Cycle) process(ctx context.Context, log *zap.Logger, report *Report) error {
	refs, parked, err := c.pending(ctx)
	if err != nil {
		return fmt.Errorf("gather pending jobs: %w", err)
	}
	report.Pending = len(refs)
	report.Parked = parked
	if parked > 0 {
		log.Info("jobs parked after repeated failures", zap.Int("count", parked))
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(c.cfg.Workers)

	for _, ref := range refs {
		if ctx.Err() != nil {
			log.Info("shutdown requested, not dispatching remaining jobs")
			break
		}
		g.Go(func() error {
			outcome, err := c.processor.Process(ctx, ref.ID)
			if err != nil && outcome != OutcomeInterrupted {
				logger.WithJob(log, ref.ID, string(ref.Stage)).Debug("job did not complete", zap.String("outcome", string(outcome)), zap.Error(err))
			}
			mu.Lock()
			report.Outcomes[outcome]++
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// pending lists the jobs waiting in any pending stage, oldest first. Jobs
// that used up their attempts are counted but left alone.
func (c *Cycle) pending(ctx context.Context) ([]domain.JobRef, int, error) {
	var (
		refs   []domain.JobRef
		parked int
		seen   = make(map[string]bool)
	)

	for _, stage := range domain.PendingStages {
		for ref, err := range c.store.JobsInStage(ctx, stage, 0) {
			if err != nil {
				return nil, 0, err
			}
			if seen[ref.ID] {
				continue
			}
			seen[ref.ID] = true

			if stage.IsFailed() && c.cfg.MaxAttempts > 0 && ref.Attempts >= c.cfg.MaxAttempts {
				parked++
				continue
			}
			refs = append(refs, ref)
		}
	}

	slices.SortFunc(refs, func(a, b domain.JobRef) int {
		return cmp.Or(a.FirstSeenAt.Compare(b.FirstSeenAt), cmp.Compare(a.ID, b.ID))
	})
	if c.cfg.BatchLimit > 0 && len(refs) > c.cfg.BatchLimit {
		refs = refs[:c.cfg.BatchLimit]
	}
	return refs, parked, nil
}
