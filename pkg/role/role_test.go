package role_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dreadstar/meshcore/pkg/meshnet"
	"github.com/dreadstar/meshcore/pkg/role"
)

func TestRecomputeAlwaysIncludesParticipant(t *testing.T) {
	m := role.New(zaptest.NewLogger(t), role.Budgets{}, nil)
	tr := m.Recompute(time.Now(), role.Inputs{})
	require.NotNil(t, tr)
	assert.Contains(t, tr.Added, meshnet.RoleParticipant)
}

func TestRecomputeGrantsStorageWhenQuotaSatisfied(t *testing.T) {
	m := role.New(zaptest.NewLogger(t), role.Budgets{}, nil)
	tr := m.Recompute(time.Now(), role.Inputs{
		AllowedRoles: map[meshnet.Role]bool{meshnet.RoleStorage: true},
		FreeBytes:    10 << 30,
		StorageQuota: 5 << 30,
		Thermal:      role.ThermalCool,
	})
	require.NotNil(t, tr)
	assert.Contains(t, tr.Added, meshnet.RoleStorage)
}

func TestRecomputeWithholdsStorageWhenQuotaUnmet(t *testing.T) {
	m := role.New(zaptest.NewLogger(t), role.Budgets{}, nil)
	tr := m.Recompute(time.Now(), role.Inputs{
		AllowedRoles: map[meshnet.Role]bool{meshnet.RoleStorage: true},
		FreeBytes:    1 << 30,
		StorageQuota: 5 << 30,
		Thermal:      role.ThermalCool,
	})
	require.NotNil(t, tr)
	assert.NotContains(t, tr.Added, meshnet.RoleStorage)
}

func TestRecomputeWithholdsComputeWhenBatteryLowAndNotCharging(t *testing.T) {
	m := role.New(zaptest.NewLogger(t), role.Budgets{}, nil)
	tr := m.Recompute(time.Now(), role.Inputs{
		Thermal:        role.ThermalCool,
		BatteryPercent: 10,
		Charging:       false,
	})
	require.NotNil(t, tr)
	assert.NotContains(t, tr.Added, meshnet.RoleCompute)
}

func TestRecomputeGrantsComputeWhenCharging(t *testing.T) {
	m := role.New(zaptest.NewLogger(t), role.Budgets{}, nil)
	tr := m.Recompute(time.Now(), role.Inputs{
		Thermal:  role.ThermalWarm,
		Charging: true,
	})
	require.NotNil(t, tr)
	assert.Contains(t, tr.Added, meshnet.RoleCompute)
}

func TestRecomputeWithholdsComputeWhenCritical(t *testing.T) {
	m := role.New(zaptest.NewLogger(t), role.Budgets{}, nil)
	tr := m.Recompute(time.Now(), role.Inputs{
		Thermal:  role.ThermalCritical,
		Charging: true,
	})
	require.NotNil(t, tr)
	assert.NotContains(t, tr.Added, meshnet.RoleCompute)
}

func TestRecomputeDebouncesRapidTransitions(t *testing.T) {
	m := role.New(zaptest.NewLogger(t), role.Budgets{DebounceInterval: time.Minute}, nil)
	now := time.Now()

	tr1 := m.Recompute(now, role.Inputs{Thermal: role.ThermalCool, Charging: true})
	require.NotNil(t, tr1)

	tr2 := m.Recompute(now.Add(time.Millisecond), role.Inputs{
		AllowedRoles: map[meshnet.Role]bool{meshnet.RoleStorage: true},
		FreeBytes:    10 << 30,
		Thermal:      role.ThermalCool,
		Charging:     true,
	})
	assert.Nil(t, tr2)
}

func TestRecomputeFiresDemotionAfterGracePeriod(t *testing.T) {
	demoted := make(chan []meshnet.Role, 1)
	m := role.New(zaptest.NewLogger(t), role.Budgets{DemotionGracePeriod: 10 * time.Millisecond}, func(removed []meshnet.Role) {
		demoted <- removed
	})

	now := time.Now()
	tr1 := m.Recompute(now, role.Inputs{Thermal: role.ThermalCool, Charging: true})
	require.NotNil(t, tr1)
	require.Contains(t, tr1.Added, meshnet.RoleCompute)

	tr2 := m.Recompute(now.Add(time.Hour), role.Inputs{Thermal: role.ThermalCritical})
	require.NotNil(t, tr2)
	require.Contains(t, tr2.Removed, meshnet.RoleCompute)

	select {
	case removed := <-demoted:
		assert.Contains(t, removed, meshnet.RoleCompute)
	case <-time.After(time.Second):
		t.Fatal("demotion callback did not fire within grace period")
	}
}
