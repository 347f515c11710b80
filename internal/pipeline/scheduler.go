package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Runner runs one cycle.
type Runner interface {
	Run(ctx context.Context) (*Report, error)
}

// Scheduler runs cycles on a fixed interval and on demand. A tick that
// arrives while a cycle is still running is skipped.
type Scheduler struct {
	cron     *cron.Cron
	runner   Runner
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	ctx     context.Context
	running sync.WaitGroup
}

func NewScheduler(runner Runner, interval time.Duration, logger *zap.Logger) (*Scheduler, error) {
	if interval < time.Second {
		return nil, fmt.Errorf("interval %s is shorter than one second", interval)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cl := cronLogger{logger: logger.Sugar()}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		runner:   runner,
		interval: interval,
		logger:   logger,
	}, nil
}

// Start registers the interval job and runs one cycle right away so the
// first results do not wait for the first tick.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	spec := "@every " + s.interval.String()
	if _, err := s.cron.AddFunc(spec, func() { s.run("schedule") }); err != nil {
		return fmt.Errorf("schedule %q: %w", spec, err)
	}

	s.cron.Start()
	s.logger.Info("scheduler started", zap.String("spec", spec))

	s.Trigger()
	return nil
}

// Trigger starts a cycle outside the schedule.
func (s *Scheduler) Trigger() {
	s.running.Add(1)
	go func() {
		defer s.running.Done()
		s.run("trigger")
	}()
}

// Stop prevents new ticks and waits for running cycles to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.running.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) run(reason string) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	report, err := s.runner.Run(ctx)
	switch {
	case errors.Is(err, ErrCycleInProgress):
		s.logger.Info("cycle skipped, previous one is still running", zap.String("reason", reason))
	case err != nil:
		s.logger.Error("cycle failed", zap.String("reason", reason), zap.Error(err))
	case report != nil:
		s.logger.Debug("cycle done", zap.String("reason", reason), zap.String("cycle_id", report.ID))
	}
}

// cronLogger routes cron's own messages through zap.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
