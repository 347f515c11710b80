// Package collector walks the marketplace listing and records postings the
// ledger has not seen before.
package collector

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/mostaql-notifier/internal/domain"
	"github.com/spigell/mostaql-notifier/internal/logger"
	"github.com/spigell/mostaql-notifier/internal/ratelimit"
)

// Source is the marketplace as seen by the collector.
type Source interface {
	ListingPage(ctx context.Context, page int) ([]*domain.Job, error)
	Detail(ctx context.Context, job *domain.Job) (*domain.Job, error)
}

// Store is the part of the ledger the collector writes to.
type Store interface {
	UpsertJob(ctx context.Context, job *domain.Job) (bool, error)
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	AdvanceStage(ctx context.Context, id string, from, to domain.Stage) error
	JobsInStage(ctx context.Context, stage domain.Stage, limit int) iter.Seq2[domain.JobRef, error]
}

type Limiter interface {
	Acquire(ctx context.Context, partition string, cost int) error
}

// Filter drops listing entries before they reach the ledger.
type Filter interface {
	Run(ctx context.Context, jobs []*domain.Job) ([]*domain.Job, error)
}

type Config struct {
	MaxPages int `mapstructure:"max-pages" validate:"gte=1"`
	// StopAfterSeen ends the walk after this many consecutive known entries.
	// Zero disables the check.
	StopAfterSeen int           `mapstructure:"stop-after-seen" validate:"gte=0"`
	CallTimeout   time.Duration `mapstructure:"call-timeout" validate:"gte=0"`
	// RetryLimit bounds how many failed detail fetches are retried per run.
	RetryLimit  int `mapstructure:"retry-limit" validate:"gte=0"`
	MaxAttempts int `mapstructure:"-"`
}

// Result summarizes one walk.
type Result struct {
	// Jobs are the postings seen for the first time, with details.
	Jobs    []*domain.Job
	Seen    int
	Dropped int
	Failed  int
	Retried int
	Pages   int
	// Cursor is the newest posting time observed, never older than since.
	Cursor time.Time
}

type Collector struct {
	source  Source
	store   Store
	limiter Limiter
	filter  Filter
	cfg     Config
	logger  *zap.Logger
}

type keepAll struct{}

func (keepAll) Run(_ context.Context, jobs []*domain.Job) ([]*domain.Job, error) { return jobs, nil }

func New(source Source, store Store, limiter Limiter, filter Filter, cfg Config, logger *zap.Logger) *Collector {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 1
	}
	if filter == nil {
		filter = keepAll{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		source:  source,
		store:   store,
		limiter: limiter,
		filter:  filter,
		cfg:     cfg,
		logger:  logger,
	}
}

// FetchNewJobs retries parked detail fetches, then walks the listing newest
// first until it reaches known ground. Only a failure on the first page is
// returned as an error.
func (c *Collector) FetchNewJobs(ctx context.Context, since time.Time) (*Result, error) {
	res := &Result{Cursor: since}

	if err := c.retryFailed(ctx, res); err != nil {
		return res, err
	}

	consecutiveSeen := 0
	for page := 1; page <= c.cfg.MaxPages; page++ {
		entries, err := c.listing(ctx, page)
		if err != nil {
			if page == 1 {
				return res, fmt.Errorf("fetch first listing page: %w", err)
			}
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			c.logger.Warn("listing walk stopped early", zap.Int("page", page), zap.Error(err))
			break
		}
		if len(entries) == 0 {
			c.logger.Debug("empty listing page", zap.Int("page", page))
			break
		}
		res.Pages++

		olderThanSince := !since.IsZero()
		for _, e := range entries {
			if e.PostedAt.After(res.Cursor) {
				res.Cursor = e.PostedAt
			}
			if e.PostedAt.IsZero() || e.PostedAt.After(since) {
				olderThanSince = false
			}
		}

		kept, err := c.filter.Run(ctx, entries)
		if err != nil {
			return res, fmt.Errorf("filter listing page %d: %w", page, err)
		}
		res.Dropped += len(entries) - len(kept)

		stop := false
		for _, entry := range kept {
			// New entries stay provisional until their details are stored,
			// so a crash in between leaves them for retryFailed.
			provisional := entry.Clone()
			provisional.Stage = domain.StageFailedDiscovered
			isNew, err := c.store.UpsertJob(ctx, provisional)
			if err != nil {
				return res, fmt.Errorf("store job %s: %w", entry.ID, err)
			}

			if !isNew {
				res.Seen++
				consecutiveSeen++
				if c.cfg.StopAfterSeen > 0 && consecutiveSeen >= c.cfg.StopAfterSeen {
					c.logger.Debug("reached known postings", zap.Int("page", page), zap.Int("consecutive_seen", consecutiveSeen))
					stop = true
					break
				}
				continue
			}
			consecutiveSeen = 0

			detailed, err := c.detail(ctx, entry)
			if err != nil {
				c.park(ctx, entry.ID, err)
				res.Failed++
				if ctx.Err() != nil {
					return res, ctx.Err()
				}
				continue
			}

			promoted, err := c.promote(ctx, detailed)
			if err != nil {
				return res, err
			}
			if !promoted {
				continue
			}
			detailed.Stage = domain.StageDiscovered
			res.Jobs = append(res.Jobs, detailed)
			logger.WithJob(c.logger, detailed.ID, string(domain.StageDiscovered)).Info("new job collected", zap.String("title", detailed.Title))
		}

		if stop {
			break
		}
		if olderThanSince {
			c.logger.Debug("listing page older than cursor", zap.Int("page", page), zap.Time("since", since))
			break
		}
	}

	c.logger.Info("collection finished",
		zap.Int("new", len(res.Jobs)),
		zap.Int("seen", res.Seen),
		zap.Int("dropped", res.Dropped),
		zap.Int("failed", res.Failed),
		zap.Int("retried", res.Retried),
		zap.Int("pages", res.Pages),
	)

	return res, nil
}

// retryFailed gives parked detail fetches another chance.
func (c *Collector) retryFailed(ctx context.Context, res *Result) error {
	var refs []domain.JobRef
	for ref, err := range c.store.JobsInStage(ctx, domain.StageFailedDiscovered, c.cfg.RetryLimit) {
		if err != nil {
			return fmt.Errorf("list failed detail fetches: %w", err)
		}
		if c.cfg.MaxAttempts > 0 && ref.Attempts >= c.cfg.MaxAttempts {
			continue
		}
		refs = append(refs, ref)
	}

	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return err
		}

		job, err := c.store.GetJob(ctx, ref.ID)
		if err != nil {
			return fmt.Errorf("load parked job %s: %w", ref.ID, err)
		}

		detailed, err := c.detail(ctx, job)
		if err != nil {
			c.park(ctx, job.ID, err)
			res.Failed++
			continue
		}

		promoted, err := c.promote(ctx, detailed)
		if err != nil {
			return err
		}
		if !promoted {
			continue
		}
		res.Retried++
		logger.WithJob(c.logger, job.ID, string(domain.StageDiscovered)).Info("parked job recovered")
	}

	return nil
}

func (c *Collector) listing(ctx context.Context, page int) ([]*domain.Job, error) {
	if err := c.limiter.Acquire(ctx, ratelimit.PartitionSource, 1); err != nil {
		return nil, err
	}

	callCtx, cancel := c.callContext(ctx)
	defer cancel()
	return c.source.ListingPage(callCtx, page)
}

func (c *Collector) detail(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	if err := c.limiter.Acquire(ctx, ratelimit.PartitionSource, 1); err != nil {
		return nil, err
	}

	callCtx, cancel := c.callContext(ctx)
	defer cancel()
	return c.source.Detail(callCtx, job)
}

func (c *Collector) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.cfg.CallTimeout)
}

// promote stores the details of a provisional job and only then releases it
// to the processor. It reports false when another writer moved the job first.
func (c *Collector) promote(ctx context.Context, detailed *domain.Job) (bool, error) {
	if _, err := c.store.UpsertJob(ctx, detailed); err != nil {
		return false, fmt.Errorf("store details of %s: %w", detailed.ID, err)
	}
	err := c.store.AdvanceStage(ctx, detailed.ID, domain.StageFailedDiscovered, domain.StageDiscovered)
	if errors.Is(err, domain.ErrStageConflict) {
		logger.WithJob(c.logger, detailed.ID, string(domain.StageFailedDiscovered)).Warn("job moved while its details were fetched")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("release %s: %w", detailed.ID, err)
	}
	return true, nil
}

// park records a failed detail fetch against a provisional job. The write
// must land even when the cycle is being cancelled.
func (c *Collector) park(ctx context.Context, id string, cause error) {
	log := logger.WithJob(c.logger, id, string(domain.StageFailedDiscovered))
	log.Warn("detail fetch failed", zap.Error(cause))

	if err := c.store.AdvanceStage(context.WithoutCancel(ctx), id, domain.StageFailedDiscovered, domain.StageFailedDiscovered); err != nil {
		log.Error("failed to park job", zap.Error(err))
	}
}
