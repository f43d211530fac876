package transport

import (
	"context"
	"sync"

	"github.com/dreadstar/meshcore/pkg/meshnet"
)

// resolvedFuture is a FutureResult that already has its outcome.
type resolvedFuture struct{ err error }

func (f resolvedFuture) Wait(ctx context.Context) error { return f.err }

// MemoryNetwork is an in-process fan-out fake of Adapter, useful for
// exercising components without a real radio/overlay stack. Peers
// register with Join and share one MemoryNetwork instance.
type MemoryNetwork struct {
	mu    sync.Mutex
	peers map[meshnet.NodeID]*MemoryAdapter
}

// NewMemoryNetwork constructs an empty in-process network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{peers: make(map[meshnet.NodeID]*MemoryAdapter)}
}

// Join creates and registers a MemoryAdapter for id.
func (n *MemoryNetwork) Join(id meshnet.NodeID) *MemoryAdapter {
	a := &MemoryAdapter{
		id:       id,
		net:      n,
		incoming: make(chan Event, 64),
		peerUp:   make(chan meshnet.NodeID, 64),
		peerDown: make(chan meshnet.NodeID, 64),
	}
	n.mu.Lock()
	for _, other := range n.peers {
		other.peerUp <- id
		a.peerUp <- other.id
	}
	n.peers[id] = a
	n.mu.Unlock()
	return a
}

// MemoryAdapter is one peer's Adapter view of a MemoryNetwork.
type MemoryAdapter struct {
	id       meshnet.NodeID
	net      *MemoryNetwork
	incoming chan Event
	peerUp   chan meshnet.NodeID
	peerDown chan meshnet.NodeID
	closed   bool
	mu       sync.Mutex
}

var _ Adapter = (*MemoryAdapter)(nil)

func (a *MemoryAdapter) UnicastSend(ctx context.Context, peerID meshnet.NodeID, payload []byte) (FutureResult, error) {
	a.net.mu.Lock()
	target, ok := a.net.peers[peerID]
	a.net.mu.Unlock()
	if !ok {
		return resolvedFuture{err: errUnreachable}, nil
	}
	target.deliver(a.id, payload)
	return resolvedFuture{}, nil
}

func (a *MemoryAdapter) Broadcast(ctx context.Context, payload []byte, ttlHops int) (FutureResult, error) {
	a.net.mu.Lock()
	targets := make([]*MemoryAdapter, 0, len(a.net.peers))
	for id, p := range a.net.peers {
		if id != a.id {
			targets = append(targets, p)
		}
	}
	a.net.mu.Unlock()
	for _, t := range targets {
		t.deliver(a.id, payload)
	}
	return resolvedFuture{}, nil
}

func (a *MemoryAdapter) OpenStream(ctx context.Context, peerID meshnet.NodeID, purposeTag string) (Stream, error) {
	return nil, errStreamUnsupported
}

func (a *MemoryAdapter) Incoming() <-chan Event           { return a.incoming }
func (a *MemoryAdapter) PeerUp() <-chan meshnet.NodeID    { return a.peerUp }
func (a *MemoryAdapter) PeerDown() <-chan meshnet.NodeID  { return a.peerDown }

func (a *MemoryAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.net.mu.Lock()
	delete(a.net.peers, a.id)
	for _, other := range a.net.peers {
		other.peerDown <- a.id
	}
	a.net.mu.Unlock()
	close(a.incoming)
	return nil
}

func (a *MemoryAdapter) deliver(from meshnet.NodeID, payload []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.incoming <- Event{SourcePeerID: from, Bytes: payload}:
	default:
		// bounded inbox; drop under pressure like a real best-effort
		// broadcast transport would.
	}
}

// simpleError is a minimal error type for this in-memory test
// scaffolding; the real Adapter contract's error taxonomy is defined
// by whichever concrete adapter wires into pkg/core.
type simpleError string

func (e simpleError) Error() string { return string(e) }

var (
	errUnreachable      = simpleError("unreachable peer")
	errStreamUnsupported = simpleError("OpenStream not supported by MemoryAdapter")
)
