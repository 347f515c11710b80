package utils

import (
	"context"
	"time"
)

var sleep = time.Sleep

// WaitFor sleeps for d or until ctx is done, whichever comes first.
func WaitFor(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		sleep(d)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// MaxBackoff caps the delay Backoff hands out.
const MaxBackoff = time.Minute

// Backoff returns base doubled attempt times, never more than MaxBackoff.
func Backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt <= 0 {
		return min(base, MaxBackoff)
	}
	// Past this many doublings any sane base is over the cap anyway.
	if attempt > 30 {
		return MaxBackoff
	}
	return min(base<<attempt, MaxBackoff)
}
