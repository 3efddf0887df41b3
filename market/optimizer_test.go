package market

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataparency-dev/exchange/types"
)

func TestRankBidsFavorsHigherTrustUnderDefaultWeights(t *testing.T) {
	bids := []types.Bid{
		{AgentID: "low-trust", Confidence: 0.8, EstimatedTime: 1000},
		{AgentID: "high-trust", Confidence: 0.8, EstimatedTime: 1000},
	}
	trust := map[string]float64{"low-trust": 0.2, "high-trust": 1.8}
	scored := RankBids(bids, DefaultWeights(), trust, nil, nil)
	require.Len(t, scored, 2)
	assert.Equal(t, "high-trust", scored[0].Bid.AgentID)
}

func TestRankBidsCapabilityMatchScore(t *testing.T) {
	assert.Equal(t, 1.0, capabilityOverlapRatio(nil, []string{"x"}))
	assert.Equal(t, 0.5, capabilityOverlapRatio([]string{"a", "b"}, []string{"a"}))
	assert.Equal(t, 0.0, capabilityOverlapRatio([]string{"a"}, []string{"b"}))
}

func TestSelectWeightsForTaskByCriticality(t *testing.T) {
	assert.Equal(t, HighStakesWeights(), SelectWeightsForTask(types.Task{Metadata: map[string]any{"criticality": "critical"}}))
	assert.Equal(t, CostOptimizedWeights(), SelectWeightsForTask(types.Task{Metadata: map[string]any{"criticality": "low"}}))
	assert.Equal(t, DefaultWeights(), SelectWeightsForTask(types.Task{}))
}

func TestRankBidsEmptyInputReturnsNil(t *testing.T) {
	assert.Nil(t, RankBids(nil, DefaultWeights(), nil, nil, nil))
}
