package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dreadstar/meshcore/pkg/governor"
	"github.com/dreadstar/meshcore/pkg/meshnet"
)

func nodeID(b byte) meshnet.NodeID {
	var id meshnet.NodeID
	id[0] = b
	return id
}

func TestMarkSeenAddsNewPeerAsParticipant(t *testing.T) {
	pt := newPeerTable(nil)
	now := time.Now()

	pt.MarkSeen(nodeID(1), now)

	rec, ok := pt.Get(nodeID(1))
	require.True(t, ok)
	assert.True(t, rec.HasRole(meshnet.RoleParticipant))
	assert.Equal(t, now, rec.LastSeen)
}

func TestMarkSeenRefreshesKnownPeerEvenWhenFull(t *testing.T) {
	gov := governor.New(zaptest.NewLogger(t), governor.Limits{PeerRecordsMax: 1})
	pt := newPeerTable(gov)
	first := time.Now()
	pt.MarkSeen(nodeID(1), first)

	later := first.Add(time.Minute)
	pt.MarkSeen(nodeID(1), later)
	pt.MarkSeen(nodeID(2), later)

	rec, ok := pt.Get(nodeID(1))
	require.True(t, ok)
	assert.Equal(t, later, rec.LastSeen)

	_, ok = pt.Get(nodeID(2))
	assert.False(t, ok, "a full table must drop newly observed peers")
}

func TestRemoveReleasesGovernorPeerSlot(t *testing.T) {
	gov := governor.New(zaptest.NewLogger(t), governor.Limits{PeerRecordsMax: 1})
	pt := newPeerTable(gov)
	now := time.Now()

	pt.MarkSeen(nodeID(1), now)
	pt.MarkSeen(nodeID(2), now)
	_, ok := pt.Get(nodeID(2))
	assert.False(t, ok, "quota should reject the second peer while the first still holds a slot")

	pt.Remove(nodeID(1))
	pt.MarkSeen(nodeID(2), now)

	_, ok = pt.Get(nodeID(2))
	assert.True(t, ok, "removing the first peer must free its governor slot for a new one")
}

func TestUpsertPreservesLastSeenWhenIncomingIsZero(t *testing.T) {
	pt := newPeerTable(nil)
	seenAt := time.Now()
	pt.MarkSeen(nodeID(1), seenAt)

	pt.Upsert(meshnet.PeerRecord{NodeID: nodeID(1), CurrentRoles: []meshnet.Role{meshnet.RoleStorage}})

	rec, ok := pt.Get(nodeID(1))
	require.True(t, ok)
	assert.Equal(t, seenAt, rec.LastSeen)
	assert.True(t, rec.HasRole(meshnet.RoleStorage))
}

func TestRemoveDeletesPeer(t *testing.T) {
	pt := newPeerTable(nil)
	pt.MarkSeen(nodeID(1), time.Now())
	pt.Remove(nodeID(1))

	_, ok := pt.Get(nodeID(1))
	assert.False(t, ok)
}

func TestPeersReturnsAllKnownPeers(t *testing.T) {
	pt := newPeerTable(nil)
	pt.MarkSeen(nodeID(1), time.Now())
	pt.MarkSeen(nodeID(2), time.Now())

	peers, err := pt.Peers(context.Background())
	require.NoError(t, err)
	assert.Len(t, peers, 2)
}
