package sync2

import (
	"context"
	"sync"
)

// Limiter runs functions in goroutines, bounding how many run
// concurrently. Used by the Replication Engine to cap in-flight
// uploads per job (spec.md §4.7, default 3) and by pkg/scheduler for
// its bounded I/O worker pool.
type Limiter struct {
	limit chan struct{}
	wg    sync.WaitGroup
}

// NewLimiter creates a Limiter that allows at most n concurrent Go calls.
func NewLimiter(n int) *Limiter {
	return &Limiter{limit: make(chan struct{}, n)}
}

// Go runs fn in a new goroutine once a slot is available, or returns
// immediately without running fn if ctx is done first.
func (limiter *Limiter) Go(ctx context.Context, fn func()) bool {
	select {
	case limiter.limit <- struct{}{}:
	case <-ctx.Done():
		return false
	}

	limiter.wg.Add(1)
	go func() {
		defer limiter.wg.Done()
		defer func() { <-limiter.limit }()
		fn()
	}()
	return true
}

// Wait blocks until all started work has completed.
func (limiter *Limiter) Wait() {
	limiter.wg.Wait()
}
