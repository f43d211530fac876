// Package role implements the Role Manager of spec.md §4.10: it
// derives the node's current role set from battery, thermal,
// connectivity and user-configured budgets, debounces transitions,
// and grants a grace period before hard-cancelling obligations on
// demotion.
package role

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreadstar/meshcore/pkg/meshnet"
)

// ThermalState is the coarse thermal budget reported by the host,
// per spec.md §4.10.
type ThermalState string

const (
	ThermalCool     ThermalState = "cool"
	ThermalWarm     ThermalState = "warm"
	ThermalCritical ThermalState = "critical"
)

// Inputs is the Role Manager's recompute input, gathered fresh on
// every input change per spec.md §4.10 "Recompute on every input
// change".
type Inputs struct {
	BatteryPercent float64
	Charging       bool
	Thermal        ThermalState
	FreeBytes      uint64
	StorageQuota   uint64
	AllowedRoles   map[meshnet.Role]bool
	TorReachable   bool
	ClearnetReachable bool
	I2PReachable      bool
}

// Budgets configures the gating thresholds, all defaulted if zero.
type Budgets struct {
	ComputeBatteryMinPercent float64
	DebounceInterval         time.Duration
	DemotionGracePeriod      time.Duration
}

// DefaultBudgets matches the defaults named in spec.md §4.10.
var DefaultBudgets = Budgets{
	ComputeBatteryMinPercent: 30,
	DebounceInterval:         2 * time.Second,
	DemotionGracePeriod:      30 * time.Second,
}

func (b Budgets) withDefaults() Budgets {
	if b.ComputeBatteryMinPercent <= 0 {
		b.ComputeBatteryMinPercent = DefaultBudgets.ComputeBatteryMinPercent
	}
	if b.DebounceInterval <= 0 {
		b.DebounceInterval = DefaultBudgets.DebounceInterval
	}
	if b.DemotionGracePeriod <= 0 {
		b.DemotionGracePeriod = DefaultBudgets.DemotionGracePeriod
	}
	return b
}

// Transition is emitted whenever the computed role set changes after
// debouncing.
type Transition struct {
	Added   []meshnet.Role
	Removed []meshnet.Role
	At      time.Time
}

// DemotionFunc is invoked with the set of removed roles once the
// grace period elapses without a reinstating transition, so the
// caller can hard-cancel obligations tied to those roles.
type DemotionFunc func(removed []meshnet.Role)

// Manager computes and debounces the current role set.
type Manager struct {
	log     *zap.Logger
	budgets Budgets
	onDemote DemotionFunc

	mu            sync.Mutex
	current       map[meshnet.Role]bool
	lastTransition time.Time
	pendingTimers  []*time.Timer
}

// New constructs a Manager. The node starts uninitialised (no roles)
// until the first Recompute call, matching spec.md §4.10's
// "MESH_PARTICIPANT always present once node initialised".
func New(log *zap.Logger, budgets Budgets, onDemote DemotionFunc) *Manager {
	return &Manager{
		log:      log,
		budgets:  budgets.withDefaults(),
		onDemote: onDemote,
		current:  map[meshnet.Role]bool{},
	}
}

// Roles returns a snapshot of the current role set.
func (m *Manager) Roles() []meshnet.Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]meshnet.Role, 0, len(m.current))
	for r := range m.current {
		out = append(out, r)
	}
	return out
}

// Recompute derives the target role set from in and, if the debounce
// interval has elapsed since the last transition, applies it and
// returns the resulting Transition. A nil return means either nothing
// changed or the debounce window suppressed this recompute (the
// caller should not assume no-change in the latter case; it will be
// re-evaluated on the next input change).
func (m *Manager) Recompute(now time.Time, in Inputs) *Transition {
	target := desiredRoles(in, m.budgets.ComputeBatteryMinPercent)

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.lastTransition.IsZero() && now.Sub(m.lastTransition) < m.budgets.DebounceInterval {
		return nil
	}

	added, removed := diff(m.current, target)
	if len(added) == 0 && len(removed) == 0 {
		return nil
	}

	m.current = target
	m.lastTransition = now

	if len(removed) > 0 && m.onDemote != nil {
		removedCopy := append([]meshnet.Role(nil), removed...)
		timer := time.AfterFunc(m.budgets.DemotionGracePeriod, func() {
			m.mu.Lock()
			stillRemoved := make([]meshnet.Role, 0, len(removedCopy))
			for _, r := range removedCopy {
				if !m.current[r] {
					stillRemoved = append(stillRemoved, r)
				}
			}
			m.mu.Unlock()
			if len(stillRemoved) > 0 {
				m.onDemote(stillRemoved)
			}
		})
		m.pendingTimers = append(m.pendingTimers, timer)
	}

	return &Transition{Added: added, Removed: removed, At: now}
}

// Close stops any pending demotion grace-period timers without firing
// them, used on clean shutdown where obligations are already being
// torn down by the supervisor tree.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.pendingTimers {
		t.Stop()
	}
	m.pendingTimers = nil
}

func desiredRoles(in Inputs, computeBatteryMin float64) map[meshnet.Role]bool {
	roles := map[meshnet.Role]bool{meshnet.RoleParticipant: true}

	if in.AllowedRoles[meshnet.RoleStorage] && in.FreeBytes >= in.StorageQuota && in.Thermal != ThermalCritical {
		roles[meshnet.RoleStorage] = true
	}

	if (in.Thermal == ThermalCool || in.Thermal == ThermalWarm) && (in.Charging || in.BatteryPercent >= computeBatteryMin) {
		roles[meshnet.RoleCompute] = true
	}

	if in.AllowedRoles[meshnet.RoleRelay] {
		roles[meshnet.RoleRelay] = true
	}

	if in.AllowedRoles[meshnet.RoleTorGateway] && in.TorReachable {
		roles[meshnet.RoleTorGateway] = true
	}
	if in.AllowedRoles[meshnet.RoleClearnetGateway] && in.ClearnetReachable {
		roles[meshnet.RoleClearnetGateway] = true
	}
	if in.AllowedRoles[meshnet.RoleI2PGateway] && in.I2PReachable {
		roles[meshnet.RoleI2PGateway] = true
	}

	return roles
}

func diff(current, target map[meshnet.Role]bool) (added, removed []meshnet.Role) {
	for r := range target {
		if !current[r] {
			added = append(added, r)
		}
	}
	for r := range current {
		if !target[r] {
			removed = append(removed, r)
		}
	}
	return added, removed
}
