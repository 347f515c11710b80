// Package ratelimit provides partitioned token buckets shared by every
// outbound call.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	PartitionSource = "source"
	PartitionAI     = "ai"
	PartitionNotify = "notify"
)

// ErrCostExceedsBurst is returned when a single request asks for more tokens
// than the bucket can ever hold.
var ErrCostExceedsBurst = errors.New("cost exceeds bucket capacity")

// Config describes one bucket.
type Config struct {
	// Rate is the refill rate in tokens per second.
	Rate float64 `mapstructure:"rate" validate:"gt=0"`
	// Burst is the bucket capacity.
	Burst int `mapstructure:"burst" validate:"gte=1"`
}

// Clock abstracts time so waits can be driven by tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// WaitObserver is told how long every acquisition had to wait.
type WaitObserver func(partition string, wait time.Duration)

// Limiter hands out tokens per partition. Inside one partition callers are
// served strictly in the order they asked.
type Limiter struct {
	mu         sync.Mutex
	partitions map[string]*partition
	defaults   Config
	configs    map[string]Config

	clock   Clock
	observe WaitObserver
}

// partition is a bucket plus the callers queued for it. Tokens leave the
// bucket only when a waiter reaches the head of the queue, so a waiter that
// gives up never holds tokens.
type partition struct {
	bucket *rate.Limiter
	rate   float64
	queue  []*waiter
	// changed is closed and replaced whenever the head of the queue moves.
	changed chan struct{}
}

type waiter struct {
	cost    int
	granted bool
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// WithObserver registers a callback for every acquisition.
func WithObserver(fn WaitObserver) Option {
	return func(l *Limiter) { l.observe = fn }
}

// New creates a limiter. Partitions missing from the map use defaults.
func New(defaults Config, partitions map[string]Config, opts ...Option) (*Limiter, error) {
	if err := validate("default", defaults); err != nil {
		return nil, err
	}
	for name, cfg := range partitions {
		if err := validate(name, cfg); err != nil {
			return nil, err
		}
	}

	l := &Limiter{
		partitions: make(map[string]*partition),
		defaults:   defaults,
		configs:    partitions,
		clock:      systemClock{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func validate(name string, cfg Config) error {
	if cfg.Rate <= 0 {
		return fmt.Errorf("rate limit %s: rate must be positive", name)
	}
	if cfg.Burst < 1 {
		return fmt.Errorf("rate limit %s: burst must be at least 1", name)
	}
	return nil
}

// partition must be called with l.mu held.
func (l *Limiter) partition(name string) *partition {
	if p, ok := l.partitions[name]; ok {
		return p
	}

	cfg, ok := l.configs[name]
	if !ok {
		cfg = l.defaults
	}
	b := rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst)
	// Buckets start full at the first instant they are seen.
	b.SetBurstAt(l.clock.Now(), cfg.Burst)

	p := &partition{bucket: b, rate: cfg.Rate, changed: make(chan struct{})}
	l.partitions[name] = p
	return p
}

// delay estimates how long w waits: everything queued up to and including
// w has to refill first.
func (p *partition) delay(w *waiter, now time.Time) time.Duration {
	need := 0
	for _, q := range p.queue {
		need += q.cost
		if q == w {
			break
		}
	}
	missing := float64(need) - p.bucket.TokensAt(now)
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / p.rate * float64(time.Second))
}

func (p *partition) remove(w *waiter) {
	for i, q := range p.queue {
		if q == w {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			return
		}
	}
}

// wake lets every queued waiter re-time itself.
func (p *partition) wake() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// Reservation is a place in a partition queue.
type Reservation struct {
	// Delay is the wait estimated when the reservation was made.
	Delay time.Duration

	l *Limiter
	p *partition
	w *waiter
}

// Reserve queues a request for cost tokens and reports the expected wait.
// The caller must either Wait or Cancel, otherwise it blocks the partition.
func (l *Limiter) Reserve(partition string, cost int) (*Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p := l.partition(partition)
	if cost > p.bucket.Burst() {
		return nil, fmt.Errorf("%w: partition %s cost %d burst %d", ErrCostExceedsBurst, partition, cost, p.bucket.Burst())
	}

	now := l.clock.Now()
	w := &waiter{cost: cost}
	res := &Reservation{l: l, p: p, w: w}

	if len(p.queue) == 0 && p.bucket.AllowN(now, cost) {
		w.granted = true
		return res, nil
	}

	p.queue = append(p.queue, w)
	res.Delay = p.delay(w, now)
	return res, nil
}

// Wait blocks until the reservation reaches the head of the queue and its
// tokens have refilled. On cancellation the reservation is withdrawn.
func (r *Reservation) Wait(ctx context.Context) error {
	l, p, w := r.l, r.p, r.w

	for {
		l.mu.Lock()
		if w.granted {
			l.mu.Unlock()
			return nil
		}

		now := l.clock.Now()
		head := len(p.queue) > 0 && p.queue[0] == w
		if head && p.bucket.AllowN(now, w.cost) {
			p.queue = p.queue[1:]
			w.granted = true
			p.wake()
			l.mu.Unlock()
			return nil
		}

		var timer <-chan time.Time
		if d := p.delay(w, now); d > 0 {
			timer = l.clock.After(d)
		} else if head {
			// Rounding left the head a hair short of its tokens.
			timer = l.clock.After(time.Millisecond)
		}
		changed := p.changed
		l.mu.Unlock()

		select {
		case <-timer:
		case <-changed:
		case <-ctx.Done():
			r.Cancel()
			return ctx.Err()
		}
	}
}

// Cancel withdraws a reservation that is still queued and lets the waiters
// behind it move up. Granted tokens are spent and stay spent.
func (r *Reservation) Cancel() {
	r.l.mu.Lock()
	defer r.l.mu.Unlock()

	if r.w.granted {
		return
	}
	r.p.remove(r.w)
	r.p.wake()
}

// Acquire blocks until cost tokens are available in the partition. A caller
// that gives up before its turn takes no tokens and delays nobody.
func (l *Limiter) Acquire(ctx context.Context, partition string, cost int) error {
	if cost <= 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	res, err := l.Reserve(partition, cost)
	if err != nil {
		return err
	}

	start := l.clock.Now()
	if err := res.Wait(ctx); err != nil {
		return err
	}

	if l.observe != nil {
		l.observe(partition, l.clock.Now().Sub(start))
	}
	return nil
}

// Tokens reports the tokens currently available in a partition.
func (l *Limiter) Tokens(partition string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.partition(partition).bucket.TokensAt(l.clock.Now())
}
