// Package metrics records pipeline observability signals.
package metrics

import "time"

// Sink receives pipeline events. Implementations never block and never
// return errors.
type Sink interface {
	CycleStarted()
	CycleCompleted(duration time.Duration, outcome string)
	JobsCollected(count int)

	StageTransition(from, to string)
	JobOutcome(outcome string)

	RateLimitWait(partition string, wait time.Duration)
	AIRequest(provider, outcome string, tokens int)
	NotificationSent(channel, outcome string)
}

// Cycle outcomes.
const (
	CycleCompleted = "completed"
	CycleFailed    = "failed"
	CycleSkipped   = "skipped"
)

// Request outcomes shared by the AI and notification metrics.
const (
	OutcomeSuccess   = "success"
	OutcomeFailed    = "failed"
	OutcomeRetried   = "retried"
	OutcomeMalformed = "malformed"
	OutcomeDuplicate = "duplicate"
)
