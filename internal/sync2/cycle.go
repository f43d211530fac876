// Package sync2 provides small concurrency helpers shared across core
// components: a triggerable interval runner (Cycle), a closeable
// wait group (WorkGroup) and a concurrency limiter (Limiter). pkg/core
// runs its replication sweep on a Cycle; pkg/scheduler and
// pkg/replication bound their workers with a Limiter.
package sync2

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Cycle implements a controllable ticker: it runs a function on an
// interval, but can be paused, triggered early, or have its interval
// changed at runtime. It never spins - each iteration waits on a timer
// or an explicit signal.
type Cycle struct {
	interval time.Duration

	once     sync.Once
	stopOnce sync.Once

	control chan cycleControl
	done    chan struct{}
}

type cycleControl int

const (
	cycleTrigger cycleControl = iota
	cyclePause
	cycleRestart
	cycleSync
)

// NewCycle creates a Cycle with the given interval.
func NewCycle(interval time.Duration) *Cycle {
	cycle := &Cycle{}
	cycle.SetInterval(interval)
	return cycle
}

// SetInterval changes the cycle interval. Safe before Start.
func (cycle *Cycle) SetInterval(interval time.Duration) {
	cycle.interval = interval
}

func (cycle *Cycle) init() {
	cycle.once.Do(func() {
		cycle.control = make(chan cycleControl)
		cycle.done = make(chan struct{})
	})
}

// Start launches the cycle's loop in the given errgroup, invoking fn
// on every interval (or when Trigger/TriggerWait is called) until the
// context is cancelled or Stop/Close is called.
func (cycle *Cycle) Start(ctx context.Context, group *errgroup.Group, fn func(ctx context.Context) error) {
	cycle.init()
	group.Go(func() error {
		return cycle.Run(ctx, fn)
	})
}

// Run runs the cycle loop synchronously in the calling goroutine.
func (cycle *Cycle) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	cycle.init()

	paused := cycle.interval <= 0
	var timer *time.Timer
	var timerC <-chan time.Time
	if !paused {
		timer = time.NewTimer(cycle.interval)
		timerC = timer.C
		defer timer.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-cycle.done:
			return nil
		case <-timerC:
			if err := fn(ctx); err != nil {
				return err
			}
			if timer != nil {
				timer.Reset(cycle.interval)
			}
		case c := <-cycle.control:
			switch c {
			case cycleTrigger:
				if err := fn(ctx); err != nil {
					return err
				}
			case cyclePause:
				paused = true
				if timer != nil {
					timer.Stop()
					timerC = nil
				}
			case cycleRestart:
				paused = false
				if timer == nil {
					timer = time.NewTimer(cycle.interval)
				} else {
					timer.Reset(cycle.interval)
				}
				timerC = timer.C
			}
		}
	}
}

// Trigger requests an immediate run without waiting for the current
// interval; it does not block for completion.
func (cycle *Cycle) Trigger() {
	cycle.init()
	select {
	case cycle.control <- cycleTrigger:
	case <-cycle.done:
	}
}

// TriggerWait requests an immediate run and blocks until that run has
// completed.
func (cycle *Cycle) TriggerWait() {
	cycle.Trigger()
	// The loop takes one control message at a time, so this no-op is
	// only accepted once the triggered run has returned.
	select {
	case cycle.control <- cycleSync:
	case <-cycle.done:
	}
}

// Pause stops the timer until Restart is called.
func (cycle *Cycle) Pause() {
	cycle.init()
	select {
	case cycle.control <- cyclePause:
	case <-cycle.done:
	}
}

// Restart resumes the timer from a fresh interval.
func (cycle *Cycle) Restart() {
	cycle.init()
	select {
	case cycle.control <- cycleRestart:
	case <-cycle.done:
	}
}

// Stop terminates the cycle loop permanently.
func (cycle *Cycle) Stop() {
	cycle.init()
	cycle.stopOnce.Do(func() {
		close(cycle.done)
	})
}

// Close is an alias for Stop, matching the io.Closer convention used
// where Cycle is embedded as a managed resource.
func (cycle *Cycle) Close() error {
	cycle.Stop()
	return nil
}
