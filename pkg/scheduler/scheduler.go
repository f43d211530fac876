// Package scheduler implements the Scheduler & Runloop of spec.md
// §4.13: a single supervisor tree (private/lifecycle.Group) running
// long-lived components as cancellable tasks, plus a bounded I/O
// worker pool blocking disk work is delegated to so no component can
// silently spin the scheduler's own goroutines.
package scheduler

import (
	"context"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreadstar/meshcore/internal/sync2"
	"github.com/dreadstar/meshcore/private/lifecycle"
)

// Error is this package's error class.
var Error = errs.Class("scheduler")

// DefaultIOWorkers bounds the dedicated I/O worker pool blocking disk
// reads/writes are delegated to, per spec.md §4.13 "blocking I/O is
// delegated to a dedicated I/O worker pool".
const DefaultIOWorkers = 8

// DefaultGraceTimeout is the shutdown grace period used when
// GraceTimeout is left at zero. It is one timeout for the whole tree:
// Shutdown waits up to it for in-flight I/O to drain, and components
// have no grace period of their own.
const DefaultGraceTimeout = 10 * time.Second

// Scheduler owns the supervisor tree and the I/O worker pool.
type Scheduler struct {
	log   *zap.Logger
	group *lifecycle.Group
	io    *sync2.Limiter

	graceTimeout time.Duration
}

// Options configures a Scheduler, all defaulted if zero.
type Options struct {
	IOWorkers    int
	GraceTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.IOWorkers <= 0 {
		o.IOWorkers = DefaultIOWorkers
	}
	if o.GraceTimeout <= 0 {
		o.GraceTimeout = DefaultGraceTimeout
	}
	return o
}

// New constructs a Scheduler.
func New(log *zap.Logger, opts Options) *Scheduler {
	opts = opts.withDefaults()
	return &Scheduler{
		log:          log,
		group:        lifecycle.NewGroup(log.Named("lifecycle")),
		io:           sync2.NewLimiter(opts.IOWorkers),
		graceTimeout: opts.GraceTimeout,
	}
}

// Supervise registers a long-running component with the supervisor
// tree. run should return promptly once ctx is cancelled; close (may
// be nil) performs any final synchronous teardown and is invoked in
// reverse registration order during Shutdown.
func (s *Scheduler) Supervise(name string, run func(ctx context.Context) error, closeFn func() error) {
	s.group.Add(lifecycle.Item{Name: name, Run: run, Close: closeFn})
}

// RunIO submits blocking disk I/O work to the bounded worker pool,
// returning once a slot is available or ctx is done. It never spawns
// unbounded goroutines, per spec.md §4.13's "no component may
// silently spin" and §5's bounded-queue backpressure rule.
func (s *Scheduler) RunIO(ctx context.Context, fn func()) bool {
	return s.io.Go(ctx, fn)
}

// Run starts every supervised component and blocks until the first
// one returns a non-nil, non-cancellation error or ctx is cancelled,
// per spec.md §4.13's single-supervisor-tree execution model.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	s.group.Run(ctx, g)
	return g.Wait()
}

// Shutdown cancels the supervisor tree via cancel, waits up to the
// configured grace timeout for in-flight I/O to drain, then closes
// every component in reverse registration order (spec.md §5
// "Shutdown: supervisor issues Cancel to children -> each flushes
// in-flight durable writes -> acknowledges within grace period ->
// supervisor exits").
func (s *Scheduler) Shutdown(cancel context.CancelFunc) error {
	cancel()

	drained := make(chan struct{})
	go func() {
		s.io.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(s.graceTimeout):
		s.log.Warn("grace period elapsed before I/O workers drained")
	}

	return s.group.Close()
}
