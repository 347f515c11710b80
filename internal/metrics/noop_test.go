package metrics

import (
	"testing"
	"time"
)

var (
	_ Sink = Nop{}
	_ Sink = (*Prometheus)(nil)
)

func TestNopAllMethods(t *testing.T) {
	var s Sink = Nop{}

	s.CycleStarted()
	s.CycleCompleted(time.Second, CycleCompleted)
	s.JobsCollected(3)
	s.StageTransition("discovered", "analyzed")
	s.JobOutcome("notified")
	s.RateLimitWait("ai", time.Millisecond)
	s.AIRequest("gemini", OutcomeSuccess, 120)
	s.NotificationSent("telegram", OutcomeSuccess)
}
