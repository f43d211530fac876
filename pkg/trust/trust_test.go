package trust_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dreadstar/meshcore/pkg/trust"
	"github.com/dreadstar/meshcore/private/kvstore/teststore"
)

func newStore(t *testing.T) *trust.Store {
	t.Helper()
	ctx := context.Background()
	kv := teststore.New()
	t.Cleanup(func() { _ = kv.Close() })

	s, err := trust.NewStore(ctx, zaptest.NewLogger(t), kv)
	require.NoError(t, err)
	return s
}

func TestObserveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	now := time.Now()

	require.NoError(t, s.Observe(ctx, "pub-a", now))
	require.NoError(t, s.Observe(ctx, "pub-a", now.Add(time.Hour)))

	obs, err := s.Get(ctx, "pub-a")
	require.NoError(t, err)
	assert.True(t, now.Equal(obs.FirstSeen), "FirstSeen = %v, want %v", obs.FirstSeen, now)
}

func TestRecordReceiptUpdatesSummary(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	now := time.Now()

	require.NoError(t, s.RecordReceipt(ctx, trust.Receipt{
		PeerPubKey:  "pub-b",
		Success:     true,
		BytesServed: 1000,
		Timestamp:   now,
	}))
	require.NoError(t, s.RecordReceipt(ctx, trust.Receipt{
		PeerPubKey:  "pub-b",
		Success:     false,
		BytesServed: 500,
		Timestamp:   now,
	}))

	obs, err := s.Get(ctx, "pub-b")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), obs.ReceiptsSummary.SuccessCount)
	assert.Equal(t, uint64(1), obs.ReceiptsSummary.FailureCount)
	assert.Equal(t, uint64(1500), obs.ReceiptsSummary.BytesServed)
}

func TestIsRevokedForUnknownKey(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	revoked, err := s.IsRevoked(ctx, "never-seen")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestRevoke(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	now := time.Now()

	require.NoError(t, s.Observe(ctx, "pub-c", now))
	require.NoError(t, s.Revoke(ctx, "pub-c", now))

	revoked, err := s.IsRevoked(ctx, "pub-c")
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestTrustScoreIsZeroForUnknownKey(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	score, err := s.TrustScore(ctx, "never-seen", trust.DefaultEndorsementDepthLimit, trust.DefaultWeights)
	require.NoError(t, err)
	assert.Equal(t, float64(0), score)
}

func TestTrustScoreIncreasesWithSuccessRate(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	now := time.Now()

	for i := 0; i < 10; i++ {
		require.NoError(t, s.RecordReceipt(ctx, trust.Receipt{
			PeerPubKey: "pub-d",
			Success:    true,
			Timestamp:  now,
		}))
	}

	good, err := s.TrustScore(ctx, "pub-d", trust.DefaultEndorsementDepthLimit, trust.DefaultWeights)
	require.NoError(t, err)

	require.NoError(t, s.RecordReceipt(ctx, trust.Receipt{
		PeerPubKey: "pub-e",
		Success:    false,
		Timestamp:  now,
	}))
	bad, err := s.TrustScore(ctx, "pub-e", trust.DefaultEndorsementDepthLimit, trust.DefaultWeights)
	require.NoError(t, err)

	assert.Greater(t, good, bad)
	assert.LessOrEqual(t, good, float64(1))
	assert.GreaterOrEqual(t, bad, float64(0))
}

func TestAddEndorsementContributesToScore(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	now := time.Now()

	require.NoError(t, s.Observe(ctx, "pub-f", now))
	before, err := s.TrustScore(ctx, "pub-f", trust.DefaultEndorsementDepthLimit, trust.DefaultWeights)
	require.NoError(t, err)

	require.NoError(t, s.AddEndorsement(ctx, trust.Endorsement{
		FromPubKey: "pub-endorser",
		ToPubKey:   "pub-f",
		IssuedAt:   now,
	}))
	after, err := s.TrustScore(ctx, "pub-f", trust.DefaultEndorsementDepthLimit, trust.DefaultWeights)
	require.NoError(t, err)

	assert.Greater(t, after, before)
}
