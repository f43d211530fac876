package core

import (
	"context"
	"sync"
	"time"

	"github.com/dreadstar/meshcore/pkg/governor"
	"github.com/dreadstar/meshcore/pkg/meshnet"
)

// peerTable is the in-memory Peer Record set of spec.md §3: nodes
// observed on the mesh, refreshed from transport PeerUp/PeerDown
// events; Upsert merges a richer record when a caller supplies one. It
// implements replication.PeerSource.
type peerTable struct {
	mu    sync.RWMutex
	peers map[meshnet.NodeID]meshnet.PeerRecord
	gov   *governor.Governor
}

// newPeerTable constructs a peerTable gated by gov's peer-record quota
// (spec.md §4.11). gov may be nil, leaving the table unbounded -- used
// by tests that don't care about admission limits.
func newPeerTable(gov *governor.Governor) *peerTable {
	return &peerTable{peers: make(map[meshnet.NodeID]meshnet.PeerRecord), gov: gov}
}

// Peers implements replication.PeerSource.
func (t *peerTable) Peers(ctx context.Context) ([]meshnet.PeerRecord, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]meshnet.PeerRecord, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	return out, nil
}

// Get returns the current record for id, if known.
func (t *peerTable) Get(id meshnet.NodeID) (meshnet.PeerRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[id]
	return p, ok
}

// MarkSeen records id as reachable, defaulting a newly observed peer
// to RoleParticipant only; anything richer (storage capacity, other
// advertised roles) is only set through Upsert.
// A newly observed peer is admitted through gov's peer-record quota
// (spec.md §4.11) and silently dropped if the quota is exhausted; an
// already-known peer is always refreshed regardless, since LastSeen/
// roles updates never grow the set.
func (t *peerTable) MarkSeen(id meshnet.NodeID, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[id]; ok {
		p.LastSeen = now
		t.peers[id] = p
		return
	}
	if t.gov != nil {
		if err := t.gov.AdmitPeerRecord(); err != nil {
			return
		}
	}
	t.peers[id] = meshnet.PeerRecord{
		NodeID:       id,
		LastSeen:     now,
		CurrentRoles: []meshnet.Role{meshnet.RoleParticipant},
	}
}

// Upsert merges an updated record (e.g. from a role/capability
// gossip message) into the table, preserving LastSeen if the new
// record doesn't carry one. A brand new record is admitted through
// gov's peer-record quota the same as MarkSeen.
func (t *peerTable) Upsert(rec meshnet.PeerRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	existing, ok := t.peers[rec.NodeID]
	if !ok {
		if t.gov != nil {
			if err := t.gov.AdmitPeerRecord(); err != nil {
				return
			}
		}
	} else if rec.LastSeen.IsZero() {
		rec.LastSeen = existing.LastSeen
	}
	t.peers[rec.NodeID] = rec
}

// Remove drops id, e.g. on a transport PeerDown event, releasing its
// governor quota slot if it held one.
func (t *peerTable) Remove(id meshnet.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[id]; !ok {
		return
	}
	delete(t.peers, id)
	if t.gov != nil {
		t.gov.ReleasePeerRecord()
	}
}
