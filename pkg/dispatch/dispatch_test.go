package dispatch_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dreadstar/meshcore/pkg/dispatch"
	"github.com/dreadstar/meshcore/pkg/meshnet"
)

func TestComputeFitnessZeroWhenBatteryBelowThreshold(t *testing.T) {
	f := dispatch.ComputeFitness(dispatch.FitnessInputs{
		CPUAvail: 1, MemAvail: 1, BatteryHeadroom: 1, BatteryBelowThreshold: true,
	}, 1, 1, dispatch.DefaultFitnessWeights)
	assert.Zero(t, f)
}

func TestComputeFitnessZeroWhenThermalCritical(t *testing.T) {
	f := dispatch.ComputeFitness(dispatch.FitnessInputs{
		CPUAvail: 1, MemAvail: 1, BatteryHeadroom: 1, ThermalCritical: true,
	}, 1, 1, dispatch.DefaultFitnessWeights)
	assert.Zero(t, f)
}

func TestComputeFitnessMatchesFormula(t *testing.T) {
	f := dispatch.ComputeFitness(dispatch.FitnessInputs{
		CPUAvail: 1, MemAvail: 1, BatteryHeadroom: 1,
	}, 1, 1, dispatch.DefaultFitnessWeights)
	assert.InDelta(t, 1.0, f, 1e-9)
}

func node(b byte) meshnet.NodeID {
	var id meshnet.NodeID
	id[0] = b
	return id
}

func TestSelectWinnerByFitnessScore(t *testing.T) {
	offers := []dispatch.ScoredOffer{
		{OffererPubKey: "a", NodeID: node(1), FitnessScore: 0.5},
		{OffererPubKey: "b", NodeID: node(2), FitnessScore: 0.9},
	}
	winner, ok := dispatch.SelectWinner(offers)
	require.True(t, ok)
	assert.Equal(t, "b", winner.OffererPubKey)
}

func TestSelectWinnerTiebreaksByHopDistanceThenTrustThenNodeID(t *testing.T) {
	offers := []dispatch.ScoredOffer{
		{OffererPubKey: "hop2", NodeID: node(1), FitnessScore: 0.8, HopDistance: 2, TrustScore: 0.9},
		{OffererPubKey: "hop1-lowtrust", NodeID: node(2), FitnessScore: 0.8, HopDistance: 1, TrustScore: 0.1},
		{OffererPubKey: "hop1-hightrust", NodeID: node(3), FitnessScore: 0.8, HopDistance: 1, TrustScore: 0.9},
	}
	winner, ok := dispatch.SelectWinner(offers)
	require.True(t, ok)
	assert.Equal(t, "hop1-hightrust", winner.OffererPubKey)
}

func TestSelectWinnerFinalTiebreakIsLowestNodeID(t *testing.T) {
	offers := []dispatch.ScoredOffer{
		{OffererPubKey: "high", NodeID: node(9), FitnessScore: 0.8, HopDistance: 1, TrustScore: 0.5},
		{OffererPubKey: "low", NodeID: node(1), FitnessScore: 0.8, HopDistance: 1, TrustScore: 0.5},
	}
	winner, ok := dispatch.SelectWinner(offers)
	require.True(t, ok)
	assert.Equal(t, "low", winner.OffererPubKey)
}

func TestSelectWinnerEmptyOffers(t *testing.T) {
	_, ok := dispatch.SelectWinner(nil)
	assert.False(t, ok)
}

func TestCollectOffersStopsEarlyOnHighQualityThreshold(t *testing.T) {
	c := dispatch.NewCoordinator(zaptest.NewLogger(t), nil, nil)
	c.StartSession(dispatch.Task{TaskID: "t1"})

	c.RecordOffer("t1", dispatch.ScoredOffer{OffererPubKey: "a", FitnessScore: 0.95})

	start := time.Now()
	result := c.CollectOffers(context.Background(), "t1", 5*time.Second, 1, 0.9)
	assert.True(t, result.HitHighQualityThreshold)
	assert.Less(t, time.Since(start), 4*time.Second)
	require.Len(t, result.Offers, 1)
}

func TestCollectOffersRespectsWindow(t *testing.T) {
	c := dispatch.NewCoordinator(zaptest.NewLogger(t), nil, nil)
	c.StartSession(dispatch.Task{TaskID: "t2"})
	c.RecordOffer("t2", dispatch.ScoredOffer{OffererPubKey: "a", FitnessScore: 0.1})

	result := c.CollectOffers(context.Background(), "t2", 50*time.Millisecond, 5, 0.9)
	assert.False(t, result.HitHighQualityThreshold)
	require.Len(t, result.Offers, 1)
}

func TestSelectAndRecordWinnerUsesCollectedOffers(t *testing.T) {
	c := dispatch.NewCoordinator(zaptest.NewLogger(t), nil, nil)
	c.StartSession(dispatch.Task{TaskID: "t3"})
	c.RecordOffer("t3", dispatch.ScoredOffer{OffererPubKey: "a", FitnessScore: 0.5})
	c.RecordOffer("t3", dispatch.ScoredOffer{OffererPubKey: "b", FitnessScore: 0.8})

	winner, ok := c.SelectAndRecordWinner("t3")
	require.True(t, ok)
	assert.Equal(t, "b", winner.OffererPubKey)
}

func TestRecordAssignmentAttemptEnforcesMaxReissues(t *testing.T) {
	c := dispatch.NewCoordinator(zaptest.NewLogger(t), nil, nil)
	c.StartSession(dispatch.Task{TaskID: "t4"})

	n1, allowed1 := c.RecordAssignmentAttempt("t4", 2)
	assert.Equal(t, 1, n1)
	assert.True(t, allowed1)

	n2, allowed2 := c.RecordAssignmentAttempt("t4", 2)
	assert.Equal(t, 2, n2)
	assert.True(t, allowed2)

	n3, allowed3 := c.RecordAssignmentAttempt("t4", 2)
	assert.Equal(t, 3, n3)
	assert.True(t, allowed3)

	n4, allowed4 := c.RecordAssignmentAttempt("t4", 2)
	assert.Equal(t, 4, n4)
	assert.False(t, allowed4)
}
