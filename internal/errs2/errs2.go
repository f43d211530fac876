// Package errs2 provides small helpers layered over github.com/zeebo/errs
// for the Cancelled outcome and bounded error collection required by
// spec.md §5 ("components surface a standard Cancelled outcome") and
// §7 (propagation policy).
package errs2

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/errs"
)

// IsCanceled reports whether err is, wraps, or combines
// context.Canceled.
func IsCanceled(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(errs.Unwrap(err), context.Canceled) {
		return true
	}
	// errs.Combine's group error predates errors.Is chain-unwrapping of
	// multiple causes; fall back to a message match for combined errors.
	return strings.Contains(err.Error(), context.Canceled.Error())
}

// Collect drains errchan until it is closed or timeout elapses,
// combining everything received into a single error.
func Collect(errchan <-chan error, timeout time.Duration) error {
	var combined []error
	deadline := time.After(timeout)
	for {
		select {
		case err, ok := <-errchan:
			if !ok {
				return errs.Combine(combined...)
			}
			combined = append(combined, err)
		case <-deadline:
			return errs.Combine(combined...)
		}
	}
}

// Group runs functions concurrently and collects every error they
// return, unlike errgroup.Group which stops at the first error. Used
// where all outcomes matter, such as closing every child of a
// supervisor tree during shutdown (spec.md §5).
type Group struct {
	wg   sync.WaitGroup
	mu   sync.Mutex
	errs []error
}

// Go runs fn in a new goroutine and records its error, if any.
func (group *Group) Go(fn func() error) {
	group.wg.Add(1)
	go func() {
		defer group.wg.Done()
		if err := fn(); err != nil {
			group.mu.Lock()
			group.errs = append(group.errs, err)
			group.mu.Unlock()
		}
	}()
}

// Wait blocks until every Go call has returned and reports all errors.
func (group *Group) Wait() []error {
	group.wg.Wait()
	group.mu.Lock()
	defer group.mu.Unlock()
	return group.errs
}
