package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTimer struct {
	at time.Time
	ch chan time.Time
}

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	timers  []fakeTimer
	waiting chan time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{
		now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		waiting: make(chan time.Duration, 64),
	}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After fires only when Advance passes its deadline and reports every new
// wait on the waiting channel.
func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	ch := make(chan time.Time, 1)
	c.timers = append(c.timers, fakeTimer{at: c.now.Add(d), ch: ch})
	c.mu.Unlock()

	c.waiting <- d
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)

	pending := c.timers[:0]
	for _, t := range c.timers {
		if t.at.After(c.now) {
			pending = append(pending, t)
			continue
		}
		t.ch <- c.now
	}
	c.timers = pending
}

func (c *fakeClock) nextWait(t *testing.T) time.Duration {
	t.Helper()
	select {
	case d := <-c.waiting:
		return d
	case <-time.After(time.Second):
		t.Fatal("nobody started waiting")
		return 0
	}
}

func TestReserveGrantsCapacityThenDelays(t *testing.T) {
	clock := newFakeClock()
	const capacity = 5
	const perSecond = 2.0

	l, err := New(Config{Rate: perSecond, Burst: capacity}, nil, WithClock(clock))
	require.NoError(t, err)

	refill := time.Duration(float64(time.Second) / perSecond)

	var immediate, delayed int
	var last time.Duration
	for i := 0; i < 2*capacity; i++ {
		res, err := l.Reserve(PartitionSource, 1)
		require.NoError(t, err)

		if res.Delay == 0 {
			immediate++
			continue
		}
		delayed++
		assert.GreaterOrEqual(t, res.Delay, refill, "request %d waited less than one refill interval", i)
		assert.Greater(t, res.Delay, last, "reservations must be served in request order")
		last = res.Delay
	}

	assert.Equal(t, capacity, immediate)
	assert.Equal(t, capacity, delayed)
}

func TestPartitionsAreIndependent(t *testing.T) {
	clock := newFakeClock()
	l, err := New(Config{Rate: 1, Burst: 1}, map[string]Config{
		PartitionAI: {Rate: 1, Burst: 3},
	}, WithClock(clock))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		res, err := l.Reserve(PartitionAI, 1)
		require.NoError(t, err)
		require.Zero(t, res.Delay)
	}

	res, err := l.Reserve(PartitionSource, 1)
	require.NoError(t, err)
	assert.Zero(t, res.Delay, "an exhausted ai bucket must not slow the source bucket")
}

func TestAcquireReturnsImmediatelyWhenTokensAvailable(t *testing.T) {
	clock := newFakeClock()
	var observed []time.Duration
	l, err := New(Config{Rate: 1, Burst: 2}, nil, WithClock(clock), WithObserver(func(_ string, d time.Duration) {
		observed = append(observed, d)
	}))
	require.NoError(t, err)

	require.NoError(t, l.Acquire(context.Background(), PartitionNotify, 2))
	assert.Equal(t, []time.Duration{0}, observed)
	assert.InDelta(t, 0, l.Tokens(PartitionNotify), 1e-9)
}

func TestCancelledAcquireDoesNotLeakTokens(t *testing.T) {
	clock := newFakeClock()
	l, err := New(Config{Rate: 1, Burst: 1}, nil, WithClock(clock))
	require.NoError(t, err)

	require.NoError(t, l.Acquire(context.Background(), PartitionSource, 1))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- l.Acquire(ctx, PartitionSource, 1)
	}()

	assert.Equal(t, time.Second, clock.nextWait(t))

	cancel()
	err = <-done
	require.True(t, errors.Is(err, context.Canceled), "unexpected error: %v", err)

	// Nothing was taken for the abandoned wait, so the next caller only
	// waits for a single refill.
	res, err := l.Reserve(PartitionSource, 1)
	require.NoError(t, err)
	assert.Equal(t, time.Second, res.Delay)
	res.Cancel()

	clock.Advance(2 * time.Second)
	assert.InDelta(t, 1, l.Tokens(PartitionSource), 1e-9)
}

func TestCancelledReservationFreesItsPlace(t *testing.T) {
	clock := newFakeClock()
	l, err := New(Config{Rate: 1, Burst: 1}, nil, WithClock(clock))
	require.NoError(t, err)

	a, err := l.Reserve(PartitionAI, 1)
	require.NoError(t, err)
	require.Zero(t, a.Delay)

	b, err := l.Reserve(PartitionAI, 1)
	require.NoError(t, err)
	c, err := l.Reserve(PartitionAI, 1)
	require.NoError(t, err)
	assert.Equal(t, time.Second, b.Delay)
	assert.Equal(t, 2*time.Second, c.Delay)

	b.Cancel()

	d, err := l.Reserve(PartitionAI, 1)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, d.Delay, "d must queue one refill behind c, not behind the cancelled b")
}

func TestQueueMovesUpAfterCancel(t *testing.T) {
	clock := newFakeClock()
	l, err := New(Config{Rate: 1, Burst: 1}, nil, WithClock(clock))
	require.NoError(t, err)

	require.NoError(t, l.Acquire(context.Background(), PartitionNotify, 1))

	acquire := func(ctx context.Context) chan error {
		done := make(chan error, 1)
		go func() { done <- l.Acquire(ctx, PartitionNotify, 1) }()
		return done
	}

	ctxB, cancelB := context.WithCancel(context.Background())
	defer cancelB()
	doneB := acquire(ctxB)
	require.Equal(t, time.Second, clock.nextWait(t))

	doneC := acquire(context.Background())
	require.Equal(t, 2*time.Second, clock.nextWait(t))

	cancelB()
	require.ErrorIs(t, <-doneB, context.Canceled)
	assert.Equal(t, time.Second, clock.nextWait(t), "c moves up into b's place")

	doneD := acquire(context.Background())
	assert.Equal(t, 2*time.Second, clock.nextWait(t))

	clock.Advance(time.Second)
	require.NoError(t, <-doneC)
	select {
	case err := <-doneD:
		t.Fatalf("d finished before its refill: %v", err)
	default:
	}

	// d re-times itself once c has taken its token.
	assert.Equal(t, time.Second, clock.nextWait(t))
	clock.Advance(time.Second)
	require.NoError(t, <-doneD)
}

func TestAcquireRejectsCostAboveBurst(t *testing.T) {
	l, err := New(Config{Rate: 1, Burst: 2}, nil, WithClock(newFakeClock()))
	require.NoError(t, err)

	err = l.Acquire(context.Background(), PartitionAI, 3)
	assert.ErrorIs(t, err, ErrCostExceedsBurst)
}

func TestAcquireHonoursCancelledContext(t *testing.T) {
	l, err := New(Config{Rate: 1, Burst: 1}, nil, WithClock(newFakeClock()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, l.Acquire(ctx, PartitionAI, 1), context.Canceled)
	assert.InDelta(t, 1, l.Tokens(PartitionAI), 1e-9, "a cancelled caller must not consume a token")
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{Rate: 0, Burst: 1}, nil)
	assert.Error(t, err)

	_, err = New(Config{Rate: 1, Burst: 1}, map[string]Config{PartitionAI: {Rate: 1}})
	assert.Error(t, err)
}
