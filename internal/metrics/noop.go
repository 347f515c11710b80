package metrics

import "time"

// Nop is used when metrics are disabled so callers never check for nil.
type Nop struct{}

func (Nop) CycleStarted()                        {}
func (Nop) CycleCompleted(time.Duration, string) {}
func (Nop) JobsCollected(int)                    {}
func (Nop) StageTransition(string, string)       {}
func (Nop) JobOutcome(string)                    {}
func (Nop) RateLimitWait(string, time.Duration)  {}
func (Nop) AIRequest(string, string, int)        {}
func (Nop) NotificationSent(string, string)      {}
