// Package lifecycle implements the supervisor tree described in
// spec.md §4.13 and §5: a fixed list of named components, started
// together and torn down in reverse order, matching storj.io/storj's
// private/lifecycle package. Group applies no grace period itself;
// pkg/scheduler bounds shutdown with a single grace timeout.
package lifecycle

import (
	"context"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreadstar/meshcore/internal/errs2"
)

// Item is one supervised component: an optional long-running Run and
// an optional Close invoked during shutdown.
type Item struct {
	Name  string
	Run   func(ctx context.Context) error
	Close func() error
}

// Group runs a fixed set of Items together and closes them in reverse
// registration order.
type Group struct {
	log   *zap.Logger
	items []Item
}

// NewGroup returns an empty Group logging through log.
func NewGroup(log *zap.Logger) *Group {
	return &Group{log: log}
}

// Add registers item. Add must not be called concurrently with Run or
// Close.
func (group *Group) Add(item Item) {
	group.items = append(group.items, item)
}

// Run starts every Item's Run function (skipping nil ones) in g.
func (group *Group) Run(ctx context.Context, g *errgroup.Group) {
	for _, item := range group.items {
		item := item
		if item.Run == nil {
			continue
		}
		g.Go(func() error {
			group.log.Debug("starting", zap.String("name", item.Name))
			err := item.Run(ctx)
			if err != nil && !errs2.IsCanceled(err) {
				group.log.Error("run failed", zap.String("name", item.Name), zap.Error(err))
			}
			return err
		})
	}
}

// Close invokes every Item's Close function (skipping nil ones) in
// reverse registration order, so the most recently started component
// is the first to be torn down. Errors are combined, not short-circuited.
func (group *Group) Close() error {
	var combined []error
	for i := len(group.items) - 1; i >= 0; i-- {
		item := group.items[i]
		if item.Close == nil {
			continue
		}
		group.log.Debug("closing", zap.String("name", item.Name))
		if err := item.Close(); err != nil {
			combined = append(combined, err)
		}
	}
	return errs.Combine(combined...)
}
