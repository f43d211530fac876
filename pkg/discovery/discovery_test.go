package discovery_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dreadstar/meshcore/pkg/discovery"
	"github.com/dreadstar/meshcore/pkg/meshnet"
	"github.com/dreadstar/meshcore/pkg/wire"
)

type recordingBroadcaster struct {
	mu        sync.Mutex
	broadcast []wire.Envelope
}

func (b *recordingBroadcaster) Broadcast(ctx context.Context, envelope wire.Envelope, ttlHops int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broadcast = append(b.broadcast, envelope)
	return nil
}

func (b *recordingBroadcaster) Unicast(ctx context.Context, peer meshnet.NodeID, envelope wire.Envelope) error {
	return nil
}

type acceptAllVerifier struct{ pubKey string }

func (v acceptAllVerifier) VerifySignatureOnly(envelope wire.Envelope) (string, error) {
	return v.pubKey, nil
}

func queryEnvelope(queryID string, ttlHops int) wire.Envelope {
	return wire.Envelope{
		Type: wire.TypeServiceQuery,
		Payload: map[string]interface{}{
			"queryId": queryID,
			"ttlHops": float64(ttlHops),
		},
	}
}

func TestHandleIncomingSuppressesDuplicateQueryIDs(t *testing.T) {
	b := &recordingBroadcaster{}
	e, err := discovery.New(zaptest.NewLogger(t), b, acceptAllVerifier{pubKey: "origin"})
	require.NoError(t, err)

	env := queryEnvelope("q1", 3)
	require.NoError(t, e.HandleIncoming(context.Background(), env))
	require.NoError(t, e.HandleIncoming(context.Background(), env))

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Len(t, b.broadcast, 1)
}

func TestHandleIncomingStopsAtZeroTTL(t *testing.T) {
	b := &recordingBroadcaster{}
	e, err := discovery.New(zaptest.NewLogger(t), b, acceptAllVerifier{pubKey: "origin"})
	require.NoError(t, err)

	require.NoError(t, e.HandleIncoming(context.Background(), queryEnvelope("q-zero", 1)))

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Empty(t, b.broadcast)
}

func TestHandleIncomingDecrementsTTLOnForward(t *testing.T) {
	b := &recordingBroadcaster{}
	e, err := discovery.New(zaptest.NewLogger(t), b, acceptAllVerifier{pubKey: "origin"})
	require.NoError(t, err)

	require.NoError(t, e.HandleIncoming(context.Background(), queryEnvelope("q-ttl", 3)))

	b.mu.Lock()
	defer b.mu.Unlock()
	require.Len(t, b.broadcast, 1)
	assert.Equal(t, float64(2), b.broadcast[0].Payload["ttlHops"])
}

func TestQueryServicesCollectsOffersWithinWindow(t *testing.T) {
	b := &recordingBroadcaster{}
	e, err := discovery.New(zaptest.NewLogger(t), b, acceptAllVerifier{pubKey: "origin"})
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		offerEnv := wire.Envelope{
			Type: wire.TypeServiceOffer,
			Payload: map[string]interface{}{
				"queryId": "qs1",
				"service": map[string]interface{}{
					"serviceId": "svc-a",
					"type":      "compute",
					"version":   "1",
				},
			},
		}
		_ = e.HandleIncoming(context.Background(), offerEnv)
	}()

	offers, err := e.QueryServices(context.Background(), queryEnvelope("qs1", 4), "qs1", 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.Equal(t, "svc-a", offers[0].Service.ServiceID)
}
