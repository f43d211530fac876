package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreadstar/meshcore/pkg/meshnet"
)

func TestObligationCancelRoleCancelsTrackedContext(t *testing.T) {
	r := newObligationRegistry()
	ctx, _ := r.track(context.Background(), meshnet.RoleStorage)

	select {
	case <-ctx.Done():
		t.Fatal("context canceled before demotion")
	default:
	}

	r.cancelRole(meshnet.RoleStorage)

	select {
	case <-ctx.Done():
	default:
		t.Fatal("context not canceled after cancelRole")
	}
}

func TestObligationCancelRoleLeavesOtherRolesRunning(t *testing.T) {
	r := newObligationRegistry()
	storageCtx, _ := r.track(context.Background(), meshnet.RoleStorage)
	computeCtx, computeDone := r.track(context.Background(), meshnet.RoleCompute)
	defer computeDone()

	r.cancelRole(meshnet.RoleStorage)

	assert.Error(t, storageCtx.Err())
	assert.NoError(t, computeCtx.Err())
}

func TestObligationDoneDeregistersWithoutCancelingSiblings(t *testing.T) {
	r := newObligationRegistry()
	_, done1 := r.track(context.Background(), meshnet.RoleCompute)
	ctx2, done2 := r.track(context.Background(), meshnet.RoleCompute)
	defer done2()

	done1()
	assert.NoError(t, ctx2.Err())
	r.cancelRole(meshnet.RoleCompute)

	assert.Error(t, ctx2.Err())
}

func TestObligationCancelAllCancelsEveryRole(t *testing.T) {
	r := newObligationRegistry()
	storageCtx, _ := r.track(context.Background(), meshnet.RoleStorage)
	computeCtx, _ := r.track(context.Background(), meshnet.RoleCompute)

	r.cancelAll()

	require.Error(t, storageCtx.Err())
	require.Error(t, computeCtx.Err())
}
