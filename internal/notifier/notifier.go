// Package notifier formats passing jobs and delivers them to the operator.
package notifier

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/mostaql-notifier/internal/domain"
	"github.com/spigell/mostaql-notifier/internal/logger"
	"github.com/spigell/mostaql-notifier/internal/metrics"
	"github.com/spigell/mostaql-notifier/internal/ratelimit"
)

// Message is one outgoing notification.
type Message struct {
	Text string
	// URL is attached as a button when set.
	URL string
}

// Sender delivers messages over one channel.
type Sender interface {
	Send(ctx context.Context, msg Message) (string, error)
	Channel() string
}

// Store is the part of the ledger that guards against duplicate sends.
type Store interface {
	ReserveNotification(ctx context.Context, jobID, channel string) (*domain.NotificationRecord, error)
	ReleaseNotification(ctx context.Context, jobID string) error
}

type Limiter interface {
	Acquire(ctx context.Context, partition string, cost int) error
}

type Notifier struct {
	sender  Sender
	store   Store
	limiter Limiter
	metrics metrics.Sink
	logger  *zap.Logger
	now     func() time.Time
}

func New(sender Sender, store Store, limiter Limiter, sink metrics.Sink, logger *zap.Logger) *Notifier {
	if sink == nil {
		sink = metrics.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		sender:  sender,
		store:   store,
		limiter: limiter,
		metrics: sink,
		logger:  logger,
		now:     time.Now,
	}
}

// Notify sends the message for job at most once. The returned record is
// either sent or failed and must be committed by the caller. A record
// that already exists yields domain.ErrDuplicateNotification and no send.
func (n *Notifier) Notify(ctx context.Context, job *domain.Job, analysis *domain.Analysis, score *domain.Score) (*domain.NotificationRecord, error) {
	log := logger.WithJob(n.logger, job.ID, string(job.Stage))
	channel := n.sender.Channel()

	record, err := n.store.ReserveNotification(ctx, job.ID, channel)
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateNotification) {
			n.metrics.NotificationSent(channel, metrics.OutcomeDuplicate)
			log.Error("notification already pending or sent, refusing to send again", zap.Error(err))
		}
		return nil, err
	}

	if err := n.limiter.Acquire(ctx, ratelimit.PartitionNotify, 1); err != nil {
		// Nothing left the process, so the reservation can be handed back.
		if rerr := n.store.ReleaseNotification(context.WithoutCancel(ctx), job.ID); rerr != nil {
			log.Warn("failed to release notification reservation", zap.Error(rerr))
		}
		return nil, err
	}

	ref, err := n.sender.Send(ctx, Message{Text: Format(job, analysis, score), URL: job.URL})
	record.UpdatedAt = n.now().UTC()
	if err != nil {
		record.Status = domain.NotificationFailed
		record.Error = err.Error()
		n.metrics.NotificationSent(channel, metrics.OutcomeFailed)
		log.Warn("notification send failed", zap.String("channel", channel), zap.Error(err))
		return record, err
	}

	record.Status = domain.NotificationSent
	record.MessageRef = ref
	record.Error = ""
	n.metrics.NotificationSent(channel, metrics.OutcomeSuccess)
	log.Info("notification sent",
		zap.String("channel", channel),
		zap.String("message_ref", ref),
		zap.Float64("score", score.Value),
	)
	return record, nil
}
