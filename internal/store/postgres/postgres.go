// Package postgres is the durable Store backed by PostgreSQL.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/spigell/mostaql-notifier/internal/domain"
	"github.com/spigell/mostaql-notifier/internal/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

const foreignKeyViolation = "23503"

// Config holds connection settings.
type Config struct {
	DSN      string
	MaxConns int32
}

// Store implements store.Store on a pgx pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	now    func() time.Time
}

var _ store.Store = (*Store)(nil)

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Connect opens a pool and checks that the database answers.
func Connect(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}

	return &Store{
		pool:   pool,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Migrate applies embedded migrations that have not run yet.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrations, "migrations")
	if err != nil {
		return err
	}

	for _, entry := range entries {
		version := entry.Name()
		body, err := migrations.ReadFile("migrations/" + version)
		if err != nil {
			return err
		}

		applied := false
		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(7236110)`); err != nil {
				return err
			}

			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, version).Scan(&exists); err != nil {
				return err
			}
			if exists {
				return nil
			}

			if _, err := tx.Exec(ctx, string(body)); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`, version, s.now()); err != nil {
				return err
			}
			applied = true
			return nil
		})
		if err != nil {
			return fmt.Errorf("migration %s: %w", version, err)
		}
		if applied {
			s.logger.Info("applied migration", zap.String("version", version))
		}
	}

	return nil
}

const upsertJobSQL = `
INSERT INTO jobs (id, title, brief, description, budget_min, budget_max, budget_raw, posted_at, url,
                  category, tags, proposals, publisher, stage, attempts, first_seen_at, updated_at, stage_changed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $15, 0, $14, $14, $14)
ON CONFLICT (id) DO UPDATE SET
    brief       = COALESCE(NULLIF(EXCLUDED.brief, ''), jobs.brief),
    description = COALESCE(NULLIF(EXCLUDED.description, ''), jobs.description),
    budget_min  = COALESCE(EXCLUDED.budget_min, jobs.budget_min),
    budget_max  = COALESCE(EXCLUDED.budget_max, jobs.budget_max),
    budget_raw  = COALESCE(NULLIF(EXCLUDED.budget_raw, ''), jobs.budget_raw),
    category    = COALESCE(NULLIF(EXCLUDED.category, ''), jobs.category),
    tags        = CASE WHEN cardinality(EXCLUDED.tags) > 0 THEN EXCLUDED.tags ELSE jobs.tags END,
    proposals   = CASE WHEN EXCLUDED.proposals > 0 THEN EXCLUDED.proposals ELSE jobs.proposals END,
    publisher   = jobs.publisher || EXCLUDED.publisher,
    updated_at  = EXCLUDED.updated_at
WHERE (jobs.brief, jobs.description, jobs.budget_min, jobs.budget_max, jobs.budget_raw,
       jobs.category, jobs.tags, jobs.proposals, jobs.publisher)
      IS DISTINCT FROM
      (COALESCE(NULLIF(EXCLUDED.brief, ''), jobs.brief),
       COALESCE(NULLIF(EXCLUDED.description, ''), jobs.description),
       COALESCE(EXCLUDED.budget_min, jobs.budget_min),
       COALESCE(EXCLUDED.budget_max, jobs.budget_max),
       COALESCE(NULLIF(EXCLUDED.budget_raw, ''), jobs.budget_raw),
       COALESCE(NULLIF(EXCLUDED.category, ''), jobs.category),
       CASE WHEN cardinality(EXCLUDED.tags) > 0 THEN EXCLUDED.tags ELSE jobs.tags END,
       CASE WHEN EXCLUDED.proposals > 0 THEN EXCLUDED.proposals ELSE jobs.proposals END,
       jobs.publisher || EXCLUDED.publisher)
RETURNING (xmax = 0) AS inserted`

func (s *Store) UpsertJob(ctx context.Context, job *domain.Job) (bool, error) {
	if missing := job.Missing(); len(missing) > 0 {
		return false, fmt.Errorf("job %q is missing %v", job.ID, missing)
	}

	publisher, err := json.Marshal(job.Publisher)
	if err != nil {
		return false, fmt.Errorf("marshal publisher: %w", err)
	}

	tags := job.Tags
	if tags == nil {
		tags = []string{}
	}

	var postedAt *time.Time
	if !job.PostedAt.IsZero() {
		postedAt = &job.PostedAt
	}

	var inserted bool
	err = s.pool.QueryRow(ctx, upsertJobSQL,
		job.ID, job.Title, job.Brief, job.Description,
		job.Budget.Min, job.Budget.Max, job.Budget.Raw, postedAt, job.URL,
		job.Category, tags, job.Proposals, publisher, s.now(), string(domain.EntryStage(job.Stage)),
	).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		// Conflict without any revision.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("upsert job %s: %w", job.ID, err)
	}

	return inserted, nil
}

const selectJobSQL = `
SELECT id, title, brief, description, budget_min, budget_max, budget_raw, posted_at, url,
       category, tags, proposals, publisher, stage, attempts, first_seen_at, updated_at
FROM jobs WHERE id = $1`

func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	var (
		job       domain.Job
		postedAt  *time.Time
		stage     string
		publisher []byte
	)

	err := s.pool.QueryRow(ctx, selectJobSQL, id).Scan(
		&job.ID, &job.Title, &job.Brief, &job.Description,
		&job.Budget.Min, &job.Budget.Max, &job.Budget.Raw, &postedAt, &job.URL,
		&job.Category, &job.Tags, &job.Proposals, &publisher, &stage, &job.Attempts,
		&job.FirstSeenAt, &job.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}

	if postedAt != nil {
		job.PostedAt = *postedAt
	}
	if err := json.Unmarshal(publisher, &job.Publisher); err != nil {
		return nil, fmt.Errorf("decode publisher of job %s: %w", id, err)
	}
	job.Stage = domain.Stage(stage)

	return &job, nil
}

func (s *Store) GetStage(ctx context.Context, id string) (domain.Stage, error) {
	var stage string
	err := s.pool.QueryRow(ctx, `SELECT stage FROM jobs WHERE id = $1`, id).Scan(&stage)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	if err != nil {
		return "", fmt.Errorf("get stage of %s: %w", id, err)
	}
	return domain.Stage(stage), nil
}

func (s *Store) AdvanceStage(ctx context.Context, id string, from, to domain.Stage) error {
	return s.advance(ctx, s.pool, id, from, to)
}

func (s *Store) advance(ctx context.Context, q querier, id string, from, to domain.Stage) error {
	if err := domain.CheckTransition(from, to); err != nil {
		return err
	}

	increment := 0
	if to.IsFailed() {
		increment = 1
	}

	tag, err := q.Exec(ctx,
		`UPDATE jobs SET stage = $3, attempts = attempts + $4, stage_changed_at = $5 WHERE id = $1 AND stage = $2`,
		id, string(from), string(to), increment, s.now(),
	)
	if err != nil {
		return fmt.Errorf("advance job %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	err = q.QueryRow(ctx, `SELECT stage FROM jobs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("advance job %s: %w", id, err)
	}
	return fmt.Errorf("%w: job %s is %s, expected %s", domain.ErrStageConflict, id, current, from)
}

func (s *Store) RecordAnalysis(ctx context.Context, analysis *domain.Analysis, from domain.Stage) error {
	payload, err := json.Marshal(analysis)
	if err != nil {
		return fmt.Errorf("marshal analysis: %w", err)
	}

	id := analysis.ID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := analysis.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := s.advance(ctx, tx, analysis.JobID, from, domain.StageAnalyzed); err != nil {
			return err
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO analyses (id, job_id, model_version, payload, raw, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (job_id, model_version) DO NOTHING`,
			id, analysis.JobID, analysis.ModelVersion, payload, analysis.Raw, createdAt,
		)
		if err != nil {
			return fmt.Errorf("insert analysis for %s: %w", analysis.JobID, err)
		}
		return nil
	})
}

func (s *Store) RecordScore(ctx context.Context, score *domain.Score, from domain.Stage) error {
	breakdown, err := json.Marshal(score.Breakdown)
	if err != nil {
		return fmt.Errorf("marshal score breakdown: %w", err)
	}

	id := score.ID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := score.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := s.advance(ctx, tx, score.JobID, from, store.TargetStage(score)); err != nil {
			return err
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO scores (id, job_id, value, threshold, passed, version, breakdown, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			id, score.JobID, score.Value, score.Threshold, score.Passed, score.Version, breakdown, createdAt,
		)
		if err != nil {
			return fmt.Errorf("insert score for %s: %w", score.JobID, err)
		}
		return nil
	})
}

const notificationColumns = `job_id, channel, status, message_ref, attempts, error, created_at, updated_at`

func scanNotification(row pgx.Row) (*domain.NotificationRecord, error) {
	var (
		rec    domain.NotificationRecord
		status string
	)
	if err := row.Scan(&rec.JobID, &rec.Channel, &status, &rec.MessageRef, &rec.Attempts, &rec.Error, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Status = domain.NotificationStatus(status)
	return &rec, nil
}

func (s *Store) ReserveNotification(ctx context.Context, jobID, channel string) (*domain.NotificationRecord, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO notifications (job_id, channel, status, attempts, created_at, updated_at)
		VALUES ($1, $2, 'pending', 1, $3, $3)
		ON CONFLICT (job_id) DO UPDATE SET
		    status     = 'pending',
		    channel    = EXCLUDED.channel,
		    attempts   = notifications.attempts + 1,
		    error      = '',
		    updated_at = EXCLUDED.updated_at
		WHERE notifications.status = 'failed'
		RETURNING `+notificationColumns,
		jobID, channel, s.now(),
	)

	rec, err := scanNotification(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: job %s already has a pending or sent notification", domain.ErrDuplicateNotification, jobID)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("reserve notification for %s: %w", jobID, err)
	}

	return rec, nil
}

func (s *Store) RecordNotification(ctx context.Context, record *domain.NotificationRecord, from domain.Stage) error {
	if record.Status == domain.NotificationPending {
		return fmt.Errorf("notification for job %s has no outcome", record.JobID)
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := s.advance(ctx, tx, record.JobID, from, store.NotificationStage(record)); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `
			UPDATE notifications SET status = $2, message_ref = $3, error = $4, updated_at = $5
			WHERE job_id = $1 AND status = 'pending'`,
			record.JobID, string(record.Status), record.MessageRef, record.Error, s.now(),
		)
		if err != nil {
			return fmt.Errorf("record notification for %s: %w", record.JobID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: job %s has no pending reservation", domain.ErrDuplicateNotification, record.JobID)
		}
		return nil
	})
}

func (s *Store) LatestAnalysis(ctx context.Context, jobID string) (*domain.Analysis, error) {
	var (
		analysis domain.Analysis
		payload  []byte
		id       string
		raw      string
		created  time.Time
	)

	err := s.pool.QueryRow(ctx, `
		SELECT id::text, payload, raw, created_at FROM analyses
		WHERE job_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, jobID,
	).Scan(&id, &payload, &raw, &created)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: no analysis for %s", domain.ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("latest analysis of %s: %w", jobID, err)
	}

	if err := json.Unmarshal(payload, &analysis); err != nil {
		return nil, fmt.Errorf("decode analysis of %s: %w", jobID, err)
	}
	analysis.ID = id
	analysis.Raw = raw
	analysis.CreatedAt = created

	return &analysis, nil
}

func (s *Store) LatestScore(ctx context.Context, jobID string) (*domain.Score, error) {
	var (
		score     domain.Score
		breakdown []byte
	)

	err := s.pool.QueryRow(ctx, `
		SELECT id::text, job_id, value, threshold, passed, version, breakdown, created_at FROM scores
		WHERE job_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, jobID,
	).Scan(&score.ID, &score.JobID, &score.Value, &score.Threshold, &score.Passed, &score.Version, &breakdown, &score.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: no score for %s", domain.ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("latest score of %s: %w", jobID, err)
	}

	if err := json.Unmarshal(breakdown, &score.Breakdown); err != nil {
		return nil, fmt.Errorf("decode score breakdown of %s: %w", jobID, err)
	}

	return &score, nil
}

func (s *Store) Notification(ctx context.Context, jobID string) (*domain.NotificationRecord, error) {
	rec, err := scanNotification(s.pool.QueryRow(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE job_id = $1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: no notification for %s", domain.ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("get notification of %s: %w", jobID, err)
	}
	return rec, nil
}

func (s *Store) JobsInStage(ctx context.Context, stage domain.Stage, limit int) iter.Seq2[domain.JobRef, error] {
	return func(yield func(domain.JobRef, error) bool) {
		var (
			afterTime time.Time
			afterID   string
			yielded   int
		)

		for {
			rows, err := s.pool.Query(ctx, `
				SELECT id, stage, attempts, first_seen_at FROM jobs
				WHERE stage = $1 AND (first_seen_at, id) > ($2, $3)
				ORDER BY first_seen_at, id
				LIMIT $4`,
				string(stage), afterTime, afterID, store.DefaultPageSize,
			)
			if err != nil {
				yield(domain.JobRef{}, fmt.Errorf("list jobs in %s: %w", stage, err))
				return
			}

			page, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.JobRef, error) {
				var (
					ref domain.JobRef
					st  string
				)
				err := row.Scan(&ref.ID, &st, &ref.Attempts, &ref.FirstSeenAt)
				ref.Stage = domain.Stage(st)
				return ref, err
			})
			if err != nil {
				yield(domain.JobRef{}, fmt.Errorf("list jobs in %s: %w", stage, err))
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

			if len(page) < store.DefaultPageSize {
				return
			}
			last := page[len(page)-1]
			afterTime, afterID = last.FirstSeenAt, last.ID
		}
	}
}

func (s *Store) Cursor(ctx context.Context, name string) (time.Time, error) {
	var value time.Time
	err := s.pool.QueryRow(ctx, `SELECT value FROM cursors WHERE name = $1`, name).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get cursor %s: %w", name, err)
	}
	return value, nil
}

func (s *Store) SaveCursor(ctx context.Context, name string, value time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cursors (name, value, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		name, value, s.now(),
	)
	if err != nil {
		return fmt.Errorf("save cursor %s: %w", name, err)
	}
	return nil
}

func (s *Store) ResetAttempts(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET attempts = 0 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("reset attempts of %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	return nil
}

func (s *Store) ReleaseNotification(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE notifications SET status = 'failed', error = 'reservation released', updated_at = $2
		WHERE job_id = $1 AND status = 'pending'`, jobID, s.now())
	if err != nil {
		return fmt.Errorf("release notification of %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: no pending notification for %s", domain.ErrJobNotFound, jobID)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
