// Package testcontext provides a context.Context wired to the running
// *testing.T: temp directories cleaned up on test exit, a WaitGroup
// for goroutines launched during a test, and an optional deadline that
// fails the test instead of hanging it. Every package in this module
// that touches disk or starts background work uses it in tests, the
// same way storj.io/storj/internal/testcontext does.
package testcontext

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/zeebo/errs"
)

// Context extends context.Context with test-scoped helpers.
type Context struct {
	context.Context

	t    *testing.T
	root string

	mu     sync.Mutex
	wg     sync.WaitGroup
	errs   []error
	cancel context.CancelFunc
}

// New returns a Context bound to t with no deadline beyond the test's
// own lifetime.
func New(t *testing.T) *Context {
	return NewWithTimeout(t, 0)
}

// NewWithTimeout returns a Context that is cancelled, and fails the
// test, if it is not cleaned up within timeout. timeout <= 0 means no
// deadline.
func NewWithTimeout(t *testing.T, timeout time.Duration) *Context {
	ctx := context.Background()
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	return &Context{
		Context: ctx,
		t:       t,
		root:    t.TempDir(),
		cancel:  cancel,
	}
}

// Dir returns a directory under the test's temp root, creating it (and
// any parents) if necessary.
func (ctx *Context) Dir(elem ...string) string {
	dir := filepath.Join(append([]string{ctx.root}, elem...)...)
	if err := os.MkdirAll(dir, 0755); err != nil {
		ctx.t.Fatal(err)
	}
	return dir
}

// File returns a path for a file under the test's temp root, creating
// its parent directories if necessary. The last element is the file
// name; the elements before it name its parent directories.
func (ctx *Context) File(elem ...string) string {
	if len(elem) == 0 {
		ctx.t.Fatal("testcontext: File requires at least one path element")
	}
	name := elem[len(elem)-1]
	dir := ctx.Dir(elem[:len(elem)-1]...)
	return filepath.Join(dir, name)
}

// Go runs fn in a goroutine tracked by Cleanup; if fn returns an error
// it is recorded and surfaces as a test failure during Cleanup.
func (ctx *Context) Go(fn func() error) {
	ctx.wg.Add(1)
	go func() {
		defer ctx.wg.Done()
		if err := fn(); err != nil {
			ctx.mu.Lock()
			ctx.errs = append(ctx.errs, err)
			ctx.mu.Unlock()
		}
	}()
}

// Cleanup cancels the context, waits for goroutines started via Go,
// and fails the test if the deadline elapsed first or any of them
// returned an error.
func (ctx *Context) Cleanup() {
	done := make(chan struct{})
	go func() {
		ctx.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Context.Done():
		if err := ctx.Context.Err(); err == context.DeadlineExceeded {
			ctx.t.Errorf("testcontext: deadline exceeded waiting for goroutines")
		}
		<-done
	}

	ctx.cancel()

	if err := errs.Combine(ctx.errs...); err != nil {
		ctx.t.Error(err)
	}
}
