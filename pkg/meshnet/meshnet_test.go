package meshnet_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dreadstar/meshcore/pkg/meshnet"
)

func TestNodeIDString(t *testing.T) {
	var id meshnet.NodeID
	id[0] = 0xab
	id[19] = 0xcd
	assert.Equal(t, "ab000000000000000000000000000000000000cd", id.String())
}

func TestNodeIDIsZero(t *testing.T) {
	var id meshnet.NodeID
	assert.True(t, id.IsZero())
	id[0] = 1
	assert.False(t, id.IsZero())
}

func TestPeerRecordHasRoleAndCapability(t *testing.T) {
	p := meshnet.PeerRecord{
		CurrentRoles:    []meshnet.Role{meshnet.RoleStorage, meshnet.RoleRelay},
		CapabilityFlags: []string{"storage", "python"},
	}

	assert.True(t, p.HasRole(meshnet.RoleStorage))
	assert.False(t, p.HasRole(meshnet.RoleCompute))
	assert.True(t, p.HasCapability("python"))
	assert.False(t, p.HasCapability("ml"))
}
