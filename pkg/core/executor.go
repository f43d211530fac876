package core

import (
	"context"

	"github.com/zeebo/errs"

	"github.com/dreadstar/meshcore/pkg/dispatch"
	"github.com/dreadstar/meshcore/pkg/token"
)

// ErrNoExecutor is returned when a task wins assignment but no
// sandbox executor has been registered. Spec.md §4.9 step 7 names the
// thing that actually runs a task the "external sandbox executor";
// this module implements negotiation and verification up to the
// executor boundary and ships only this rejecting default.
var ErrNoExecutor = errs.Class("core executor")

// nullExecutor rejects every task. It is the Core default until an
// embedder calls SetExecutor.
type nullExecutor struct{}

func (nullExecutor) Execute(ctx context.Context, task dispatch.Task, assignment *token.Token) ([]byte, error) {
	return nil, ErrNoExecutor.New("no sandbox executor registered for task %q", task.TaskID)
}

// SetExecutor registers the sandbox executor that runs tasks this
// node wins (spec.md §4.9 step 7). Until called, won assignments
// verify correctly but fail to execute.
func (c *Core) SetExecutor(e dispatch.Executor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.executor = e
}
