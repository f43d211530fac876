package core

import (
	"context"
	"sync"

	"github.com/dreadstar/meshcore/pkg/meshnet"
)

// obligationRegistry tracks the contexts of currently-running
// obligations grouped by the Role that justifies them, so the Role
// Manager's demotion callback can hard-cancel everything tied to a
// role that was just removed (spec.md §4.10).
type obligationRegistry struct {
	mu     sync.Mutex
	nextID int
	byRole map[meshnet.Role]map[int]context.CancelFunc
}

func newObligationRegistry() *obligationRegistry {
	return &obligationRegistry{byRole: make(map[meshnet.Role]map[int]context.CancelFunc)}
}

// track derives a cancelable context from parent and registers it
// under role. The returned done func must be called exactly once when
// the obligation finishes normally, to deregister it; calling it also
// cancels the derived context.
func (r *obligationRegistry) track(parent context.Context, role meshnet.Role) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)

	r.mu.Lock()
	id := r.nextID
	r.nextID++
	if r.byRole[role] == nil {
		r.byRole[role] = make(map[int]context.CancelFunc)
	}
	r.byRole[role][id] = cancel
	r.mu.Unlock()

	return ctx, func() {
		r.mu.Lock()
		delete(r.byRole[role], id)
		r.mu.Unlock()
		cancel()
	}
}

// cancelRole hard-cancels every obligation currently tracked under
// role, e.g. once the Role Manager's demotion grace period elapses.
func (r *obligationRegistry) cancelRole(role meshnet.Role) {
	r.mu.Lock()
	cancels := r.byRole[role]
	r.byRole[role] = make(map[int]context.CancelFunc)
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// cancelAll hard-cancels every tracked obligation regardless of role,
// used on shutdown.
func (r *obligationRegistry) cancelAll() {
	r.mu.Lock()
	all := r.byRole
	r.byRole = make(map[meshnet.Role]map[int]context.CancelFunc)
	r.mu.Unlock()

	for _, cancels := range all {
		for _, cancel := range cancels {
			cancel()
		}
	}
}
