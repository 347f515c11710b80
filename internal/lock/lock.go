// Package lock keeps pipeline cycles single-flight.
package lock

import (
	"context"
	"sync/atomic"
)

// Lock is a non-blocking mutual exclusion primitive. When ok is true the
// caller owns the lock until release is called.
type Lock interface {
	TryAcquire(ctx context.Context) (release func(), ok bool, err error)
}

// Local guards cycles inside one process.
type Local struct {
	held atomic.Bool
}

func NewLocal() *Local { return &Local{} }

func (l *Local) TryAcquire(ctx context.Context) (func(), bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if !l.held.CompareAndSwap(false, true) {
		return nil, false, nil
	}

	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			l.held.Store(false)
		}
	}, true, nil
}
