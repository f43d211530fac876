// Package transport defines the Transport Adapter contract of
// spec.md §4.12. It intentionally contains no networking
// implementation: the core depends only on this interface, and a
// concrete adapter (radio mesh, overlay network, test fake) is wired
// in at the process boundary (pkg/core).
package transport

import (
	"context"
	"time"

	"github.com/dreadstar/meshcore/pkg/meshnet"
)

// FutureResult is the outcome of an asynchronous send, delivered once
// the adapter knows (or gives up trying to know) whether the send
// succeeded. The adapter is best-effort: a broadcast may be dropped
// entirely, in which case FutureResult never resolves successfully
// and the caller's own deadline (spec.md §5 "every outbound operation
// has a deadline") is what bounds the wait.
type FutureResult interface {
	// Wait blocks until the result is known or ctx is done.
	Wait(ctx context.Context) error
}

// Event is one message observed on the incoming stream: the sending
// peer, the raw bytes, and adapter-specific metadata (signal quality,
// hop count actually taken, arrival time) that callers may use for
// diagnostics but must not depend on for protocol correctness.
type Event struct {
	SourcePeerID  meshnet.NodeID
	Bytes         []byte
	TransportMeta map[string]interface{}
	ReceivedAt    time.Time
}

// Stream is a bidirectional byte-oriented connection opened via
// OpenStream, with backpressure: Write blocks (subject to ctx) rather
// than buffering unboundedly, per spec.md §5 "all cross-component
// queues are bounded".
type Stream interface {
	Read(ctx context.Context, buf []byte) (n int, err error)
	Write(ctx context.Context, buf []byte) (n int, err error)
	Close() error
}

// Adapter is the contract the core requires of any transport, per
// spec.md §4.12.
type Adapter interface {
	// UnicastSend sends bytes to exactly one peer.
	UnicastSend(ctx context.Context, peerID meshnet.NodeID, payload []byte) (FutureResult, error)
	// Broadcast sends bytes to the mesh, propagating up to ttlHops
	// hops. The adapter may drop it entirely; this is best-effort.
	Broadcast(ctx context.Context, payload []byte, ttlHops int) (FutureResult, error)
	// OpenStream opens a bidirectional stream to peerID tagged with a
	// purpose (e.g. "blob-upload", "blob-read") so the adapter may
	// apply purpose-specific scheduling.
	OpenStream(ctx context.Context, peerID meshnet.NodeID, purposeTag string) (Stream, error)
	// Incoming returns the channel of inbound events. Closed when the
	// adapter shuts down.
	Incoming() <-chan Event
	// PeerUp/PeerDown notify of reachability changes.
	PeerUp() <-chan meshnet.NodeID
	PeerDown() <-chan meshnet.NodeID
	// Close releases adapter resources.
	Close() error
}
