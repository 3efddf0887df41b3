// Package market implements the multi-objective bid ranking alternate
// strategy, carried forward from the teacher's optimizer.go RankBids
// (Pareto-ish weighted scoring across cost, speed, trust, confidence, and
// capability match) per SPEC_FULL.md's Supplemented Features. The auction
// coordinator uses it for every auction when its Strategy is
// "multiobjective"; the default "reputation" strategy uses orderbook.Rank
// instead.
package market

import (
	"math"
	"sort"

	"github.com/dataparency-dev/exchange/types"
)

// Weights tune the multi-objective score. Delegators tune these based on
// task criticality (see SelectWeightsForTask).
type Weights struct {
	Cost       float64 `json:"cost"`
	Speed      float64 `json:"speed"`
	Trust      float64 `json:"trust"`
	Confidence float64 `json:"confidence"`
	CapMatch   float64 `json:"cap_match"`
}

// DefaultWeights returns a balanced profile.
func DefaultWeights() Weights {
	return Weights{Cost: 0.20, Speed: 0.15, Trust: 0.30, Confidence: 0.15, CapMatch: 0.20}
}

// HighStakesWeights prioritizes trust and capability match for critical tasks.
func HighStakesWeights() Weights {
	return Weights{Cost: 0.05, Speed: 0.05, Trust: 0.45, Confidence: 0.20, CapMatch: 0.25}
}

// CostOptimizedWeights favors cost/speed for low-criticality routine tasks.
func CostOptimizedWeights() Weights {
	return Weights{Cost: 0.40, Speed: 0.25, Trust: 0.15, Confidence: 0.10, CapMatch: 0.10}
}

// ScoredBid pairs a bid with its multi-objective score and component breakdown.
type ScoredBid struct {
	Bid   types.Bid
	Score float64

	CostScore       float64
	SpeedScore      float64
	TrustScore      float64
	ConfidenceScore float64
	CapMatchScore   float64
}

// bidCost reads an estimated-cost hint an agent may have attached to
// Bid.Metadata; bids without one are treated as cost-neutral (mid-range).
func bidCost(b types.Bid) (float64, bool) {
	if b.Metadata == nil {
		return 0, false
	}
	v, ok := b.Metadata["estimated_cost"]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

// RankBids scores and ranks bids using multi-objective optimization.
// agentTrust maps agent id to current reputation score; agentCaps maps
// agent id to its declared capability list (from the registry).
func RankBids(bids []types.Bid, weights Weights, agentTrust map[string]float64, requiredCaps []string, agentCaps map[string][]string) []ScoredBid {
	if len(bids) == 0 {
		return nil
	}

	minCost, maxCost := math.MaxFloat64, 0.0
	minTime, maxTime := int64(math.MaxInt64), int64(0)
	haveCost := false
	for _, b := range bids {
		if c, ok := bidCost(b); ok {
			haveCost = true
			if c < minCost {
				minCost = c
			}
			if c > maxCost {
				maxCost = c
			}
		}
		if b.EstimatedTime < minTime {
			minTime = b.EstimatedTime
		}
		if b.EstimatedTime > maxTime {
			maxTime = b.EstimatedTime
		}
	}

	scored := make([]ScoredBid, len(bids))
	for i, b := range bids {
		costScore := 0.5
		if haveCost {
			costScore = 1.0
			if maxCost > minCost {
				if c, ok := bidCost(b); ok {
					costScore = 1.0 - (c-minCost)/(maxCost-minCost)
				}
			}
		}

		speedScore := 1.0
		if maxTime > minTime {
			speedScore = 1.0 - float64(b.EstimatedTime-minTime)/float64(maxTime-minTime)
		}

		trust := agentTrust[b.AgentID]
		capScore := capabilityOverlapRatio(requiredCaps, agentCaps[b.AgentID])

		total := weights.Cost*costScore +
			weights.Speed*speedScore +
			weights.Trust*trust +
			weights.Confidence*b.Confidence +
			weights.CapMatch*capScore

		scored[i] = ScoredBid{
			Bid:             b,
			Score:           total,
			CostScore:       costScore,
			SpeedScore:      speedScore,
			TrustScore:      trust,
			ConfidenceScore: b.Confidence,
			CapMatchScore:   capScore,
		}
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Bid.AgentID < scored[j].Bid.AgentID
	})
	return scored
}

func capabilityOverlapRatio(required, offered []string) float64 {
	if len(required) == 0 {
		return 1.0
	}
	offeredSet := make(map[string]bool, len(offered))
	for _, c := range offered {
		offeredSet[c] = true
	}
	matched := 0
	for _, r := range required {
		if offeredSet[r] {
			matched++
		}
	}
	return float64(matched) / float64(len(required))
}

// criticality mirrors types.Task.Metadata["criticality"], read as a plain
// string since the exchange's Task doesn't carry the teacher's richer
// TaskSpec type.
func criticality(task types.Task) string {
	if task.Metadata == nil {
		return ""
	}
	if v, ok := task.Metadata["criticality"].(string); ok {
		return v
	}
	return ""
}

// SelectWeightsForTask auto-selects a weight profile from a task's declared
// criticality metadata, defaulting to DefaultWeights.
func SelectWeightsForTask(task types.Task) Weights {
	switch criticality(task) {
	case "critical", "high":
		return HighStakesWeights()
	case "low":
		return CostOptimizedWeights()
	default:
		return DefaultWeights()
	}
}
