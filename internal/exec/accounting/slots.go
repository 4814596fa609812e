// Package accounting tracks host-wide execution capacity.
package accounting

import (
	"context"
	"sync/atomic"
)

// Slots is a counting limiter over concurrent sandboxed executions. It is the
// only state shared between otherwise independent executions.
type Slots struct {
	tokens   chan struct{}
	inFlight atomic.Int64
}

// NewSlots creates a limiter with a fixed capacity.
func NewSlots(size int) *Slots {
	if size <= 0 {
		size = 1
	}
	tokens := make(chan struct{}, size)
	for i := 0; i < size; i++ {
		tokens <- struct{}{}
	}
	return &Slots{tokens: tokens}
}

// Acquire blocks until a slot is available or ctx is canceled.
func (s *Slots) Acquire(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.tokens:
		s.inFlight.Add(1)
		return nil
	}
}

// TryAcquire takes a slot without blocking.
func (s *Slots) TryAcquire() bool {
	select {
	case <-s.tokens:
		s.inFlight.Add(1)
		return true
	default:
		return false
	}
}

// Release returns a slot to the pool.
func (s *Slots) Release() {
	select {
	case s.tokens <- struct{}{}:
		s.inFlight.Add(-1)
	default:
	}
}

// InFlight reports the number of currently held slots.
func (s *Slots) InFlight() int64 {
	return s.inFlight.Load()
}
