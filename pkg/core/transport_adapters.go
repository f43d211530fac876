package core

import (
	"context"
	"encoding/json"

	"github.com/dreadstar/meshcore/pkg/dispatch"
	"github.com/dreadstar/meshcore/pkg/governor"
	"github.com/dreadstar/meshcore/pkg/meshnet"
	"github.com/dreadstar/meshcore/pkg/transport"
	"github.com/dreadstar/meshcore/pkg/wire"
)

// discoveryBroadcaster adapts a transport.Adapter to discovery.Broadcaster,
// marshaling each wire.Envelope to JSON bytes for the wire. Broadcast
// is gated by governor's broadcast-rate quota (spec.md §4.11);
// Unicast is not, since it targets one peer rather than the mesh.
type discoveryBroadcaster struct {
	transport transport.Adapter
	governor  *governor.Governor
}

func (b discoveryBroadcaster) Broadcast(ctx context.Context, envelope wire.Envelope, ttlHops int) error {
	if b.governor != nil {
		if err := b.governor.AllowBroadcast(); err != nil {
			return err
		}
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return ErrEnvelope.Wrap(err)
	}
	future, err := b.transport.Broadcast(ctx, data, ttlHops)
	if err != nil {
		return err
	}
	return future.Wait(ctx)
}

func (b discoveryBroadcaster) Unicast(ctx context.Context, peer meshnet.NodeID, envelope wire.Envelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return ErrEnvelope.Wrap(err)
	}
	future, err := b.transport.UnicastSend(ctx, peer, data)
	if err != nil {
		return err
	}
	return future.Wait(ctx)
}

// dispatchTransportAdapter adapts a transport.Adapter to
// dispatch.Broadcaster, working in raw bytes since dispatch leaves
// wire encoding to its caller (this package). Broadcast is gated by
// governor's broadcast-rate quota the same as discoveryBroadcaster.
type dispatchTransportAdapter struct {
	transport transport.Adapter
	governor  *governor.Governor
}

func (d dispatchTransportAdapter) Broadcast(ctx context.Context, payload []byte) error {
	if d.governor != nil {
		if err := d.governor.AllowBroadcast(); err != nil {
			return err
		}
	}
	future, err := d.transport.Broadcast(ctx, payload, dispatch.DefaultTTLHops)
	if err != nil {
		return err
	}
	return future.Wait(ctx)
}

func (d dispatchTransportAdapter) Unicast(ctx context.Context, peer meshnet.NodeID, payload []byte) error {
	future, err := d.transport.UnicastSend(ctx, peer, payload)
	if err != nil {
		return err
	}
	return future.Wait(ctx)
}
