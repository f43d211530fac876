package transport_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreadstar/meshcore/pkg/meshnet"
	"github.com/dreadstar/meshcore/pkg/transport"
)

func node(b byte) meshnet.NodeID {
	var id meshnet.NodeID
	id[0] = b
	return id
}

func TestMemoryNetworkUnicastDelivers(t *testing.T) {
	net := transport.NewMemoryNetwork()
	a := net.Join(node(1))
	b := net.Join(node(2))

	future, err := a.UnicastSend(context.Background(), node(2), []byte("hi"))
	require.NoError(t, err)
	require.NoError(t, future.Wait(context.Background()))

	select {
	case ev := <-b.Incoming():
		assert.Equal(t, []byte("hi"), ev.Bytes)
		assert.Equal(t, node(1), ev.SourcePeerID)
	case <-time.After(time.Second):
		t.Fatal("expected delivery")
	}
}

func TestMemoryNetworkBroadcastReachesAllOtherPeers(t *testing.T) {
	net := transport.NewMemoryNetwork()
	a := net.Join(node(1))
	b := net.Join(node(2))
	c := net.Join(node(3))

	_, err := a.Broadcast(context.Background(), []byte("gossip"), 4)
	require.NoError(t, err)

	for _, peer := range []*transport.MemoryAdapter{b, c} {
		select {
		case ev := <-peer.Incoming():
			assert.Equal(t, []byte("gossip"), ev.Bytes)
		case <-time.After(time.Second):
			t.Fatal("expected broadcast delivery")
		}
	}
}

func TestMemoryNetworkUnicastToUnknownPeerFails(t *testing.T) {
	net := transport.NewMemoryNetwork()
	a := net.Join(node(1))

	future, err := a.UnicastSend(context.Background(), node(99), []byte("x"))
	require.NoError(t, err)
	assert.Error(t, future.Wait(context.Background()))
}

func TestMemoryNetworkPeerUpFiresOnJoin(t *testing.T) {
	net := transport.NewMemoryNetwork()
	a := net.Join(node(1))

	done := make(chan struct{})
	go func() {
		<-a.PeerUp()
		close(done)
	}()
	net.Join(node(2))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected peerUp notification")
	}
}
