// Package orderbook implements the per-auction atomic bid collection (C6):
// tick normalization, close, and deterministic ranking. The default
// reputation×confidence ranking is new (spec.md §4.4); the alternate
// multi-objective ranking, selected by auction.Strategy, is the teacher's
// optimizer.go RankBids, kept in the market package per SPEC_FULL.md's
// Supplemented Features.
package orderbook

import (
	"sort"
	"sync"
	"time"

	"github.com/dataparency-dev/exchange/types"
)

// TickSize is the confidence quantization unit from spec.md §4.4.
const TickSize = 0.05

// ReputationLookup resolves the current score for (agentId, version) at
// evaluation time; the reputation store's Get plus a field read satisfies
// this shape.
type ReputationLookup func(agentID, version string) float64

// Book is a single auction's sealed-bid collection. All operations
// serialize under mu, matching spec.md §5's single-owner-lock requirement;
// once Closed is true the book is immutable and safe to read lock-free.
type Book struct {
	mu     sync.Mutex
	bids   map[string]types.Bid // agentID -> latest bid
	closed bool

	ranked    []types.EvaluatedBid
	rankedSet bool
}

// New builds an empty, open order book.
func New() *Book {
	return &Book{bids: make(map[string]types.Bid)}
}

// quantize rounds confidence to the nearest TickSize.
func quantize(confidence float64) float64 {
	return TickSize * float64(int(confidence/TickSize+0.5))
}

// SubmitBid validates and stores bid, overwriting any prior bid from the
// same agent while the book remains open. Returns accepted=false when the
// book is closed or the quantized confidence falls below one tick.
func (b *Book) SubmitBid(bid types.Bid) (accepted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	q := quantize(bid.Confidence)
	if q < TickSize {
		return false
	}
	if q > 1.0 {
		q = 1.0
	}
	bid.Confidence = q
	if bid.Timestamp.IsZero() {
		bid.Timestamp = time.Now()
	}
	b.bids[bid.AgentID] = bid
	return true
}

// Close marks the book immutable. Idempotent.
func (b *Book) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

// IsClosed reports whether Close has been called.
func (b *Book) IsClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Bids returns a snapshot of all accepted bids. Safe to call before or
// after Close.
func (b *Book) Bids() []types.Bid {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.Bid, 0, len(b.bids))
	for _, bid := range b.bids {
		out = append(out, bid)
	}
	return out
}

// EvaluateAndRank scores every accepted bid as confidence×reputation and
// returns them ranked 1..N. Ranking is a total order: score descending,
// then timestamp ascending, then agentId ascending (spec.md §8 invariant
// 3). The result is cached so repeated calls after Close are idempotent
// without re-scoring (spec.md §8 invariant 6).
func (b *Book) EvaluateAndRank(reputationOf ReputationLookup) []types.EvaluatedBid {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rankedSet {
		return b.ranked
	}

	bids := make([]types.Bid, 0, len(b.bids))
	for _, bid := range b.bids {
		bids = append(bids, bid)
	}
	evaluated := Rank(bids, reputationOf)

	b.ranked = evaluated
	b.rankedSet = true
	return evaluated
}

// Rank scores an arbitrary slice of bids as confidence×reputation and
// returns them ordered 1..N: score descending, then timestamp ascending,
// then agentId ascending (spec.md §8 invariant 3). Exported so callers that
// already hold a bid snapshot (e.g. the auction coordinator reusing a
// closed book's bids) don't need a live Book to rank them.
func Rank(bids []types.Bid, reputationOf ReputationLookup) []types.EvaluatedBid {
	evaluated := make([]types.EvaluatedBid, 0, len(bids))
	for _, bid := range bids {
		rep := reputationOf(bid.AgentID, bid.AgentVersion)
		evaluated = append(evaluated, types.EvaluatedBid{
			Bid:        bid,
			Reputation: rep,
			Score:      bid.Confidence * rep,
		})
	}

	sort.Slice(evaluated, func(i, j int) bool {
		a, c := evaluated[i], evaluated[j]
		if a.Score != c.Score {
			return a.Score > c.Score
		}
		if !a.Bid.Timestamp.Equal(c.Bid.Timestamp) {
			return a.Bid.Timestamp.Before(c.Bid.Timestamp)
		}
		return a.Bid.AgentID < c.Bid.AgentID
	})
	for i := range evaluated {
		evaluated[i].Rank = i + 1
	}
	return evaluated
}
