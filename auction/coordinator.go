// Package auction implements the Auction Coordinator (C9): invites
// bidders, opens and closes the order book, ranks bids, and hands the
// winner + backups to the dispatcher. Grounded on engine.go's
// PublishTaskForBidding/AcceptBid sequence and market.SelectWeightsForTask's
// criticality-driven strategy selection, reused here for ranking-strategy
// selection.
package auction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dataparency-dev/exchange/events"
	"github.com/dataparency-dev/exchange/market"
	"github.com/dataparency-dev/exchange/orderbook"
	"github.com/dataparency-dev/exchange/ratelimit"
	"github.com/dataparency-dev/exchange/registry"
	"github.com/dataparency-dev/exchange/reputation"
	"github.com/dataparency-dev/exchange/types"
)

// Strategy selects which ranking algorithm an auction uses.
type Strategy string

const (
	StrategyReputation    Strategy = "reputation"
	StrategyMultiObjective Strategy = "multiobjective"
)

// Config holds every auction tunable from spec.md §6's Configuration.auction.
type Config struct {
	DefaultWindow time.Duration
	MinWindow     time.Duration
	MaxWindow     time.Duration

	InstantWinThreshold float64 // 0 disables the shortcut (SPEC_FULL open question 2)
	DominanceMargin     float64
	InstantWinGrace     time.Duration

	MaxAuctionAttempts int
	RequeueBackoff     time.Duration

	Strategy Strategy

	MarketMakerEnabled    bool
	MarketMakerAgentID    string
	MarketMakerConfidence float64
}

// DefaultConfig matches spec.md's stated defaults, instant-win off.
func DefaultConfig() Config {
	return Config{
		DefaultWindow:       5 * time.Second,
		MinWindow:           1 * time.Second,
		MaxWindow:           30 * time.Second,
		InstantWinThreshold: 0,
		DominanceMargin:     0.1,
		InstantWinGrace:     300 * time.Millisecond,
		MaxAuctionAttempts:  3,
		RequeueBackoff:      2 * time.Second,
		Strategy:            StrategyReputation,
	}
}

// Deliverer sends a bid_request to one invited agent, returning false if
// undeliverable (agent disconnected mid-invite).
type Deliverer interface {
	DeliverBidRequest(agentID string, frame types.BidRequestFrame) bool
}

// Outcome is what the coordinator hands off to the dispatcher once an
// auction closes with at least one bid.
type Outcome struct {
	Task    types.Task
	Winner  string
	Backups []string
}

// NoBidders is returned by RunAuction when the book closed empty.
type NoBidders struct{}

func (NoBidders) Error() string { return "auction closed with no bidders" }

// ErrTooManyAuctions is returned when the rate limiter's concurrent-auction
// cap is already saturated.
var ErrTooManyAuctions = fmt.Errorf("auction: max concurrent auctions reached")

// Live tracks one in-flight auction's book and metadata.
type Live struct {
	ID       string
	TaskID   string
	Book     *orderbook.Book
	Invited  map[string]struct{}
	OpenedAt time.Time
	CloseAt  time.Time

	mu       sync.Mutex
	declined map[string]struct{}
}

// Coordinator runs auctions against the live agent registry.
type Coordinator struct {
	cfg        Config
	registry   *registry.Registry
	reputation *reputation.Store
	limiter    *ratelimit.Limiter
	bus        *events.Bus
	deliverer  Deliverer
	log        zerolog.Logger

	mu     sync.Mutex
	active map[string]*Live // auctionID -> Live
}

// New builds a coordinator wired to its collaborators.
func New(cfg Config, reg *registry.Registry, rep *reputation.Store, limiter *ratelimit.Limiter, bus *events.Bus, deliverer Deliverer, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		cfg:        cfg,
		registry:   reg,
		reputation: rep,
		limiter:    limiter,
		bus:        bus,
		deliverer:  deliverer,
		log:        log.With().Str("component", "auction").Logger(),
		active:     make(map[string]*Live),
	}
}

func (c *Coordinator) window() time.Duration {
	w := c.cfg.DefaultWindow
	if w < c.cfg.MinWindow {
		w = c.cfg.MinWindow
	}
	if w > c.cfg.MaxWindow {
		w = c.cfg.MaxWindow
	}
	return w
}

// invitees selects every currently-connected healthy agent, always
// including the configured market-maker if set, per spec.md §4.7.
func (c *Coordinator) invitees() []string {
	agents := c.registry.ConnectedHealthy()
	ids := make(map[string]struct{}, len(agents)+1)
	for _, a := range agents {
		ids[a.ID] = struct{}{}
	}
	if c.cfg.MarketMakerEnabled && c.cfg.MarketMakerAgentID != "" {
		ids[c.cfg.MarketMakerAgentID] = struct{}{}
	}
	out := make([]string, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	return out
}

// RunAuction opens, runs, and closes one auction for task, returning the
// ranked Outcome on success or NoBidders when the book closed empty.
// Concurrency is capped by the rate limiter's MaxConcurrentAuctions, per
// spec.md §4.7.
func (c *Coordinator) RunAuction(ctx context.Context, task types.Task) (*Outcome, error) {
	if !c.limiter.TryOpenAuction() {
		return nil, ErrTooManyAuctions
	}
	defer c.limiter.CloseAuction()

	auctionID := uuid.NewString()
	now := time.Now()
	window := c.window()
	closeAt := now.Add(window)

	live := &Live{
		ID:       auctionID,
		TaskID:   task.ID,
		Book:     orderbook.New(),
		Invited:  map[string]struct{}{},
		OpenedAt: now,
		CloseAt:  closeAt,
		declined: map[string]struct{}{},
	}
	invited := c.invitees()
	for _, id := range invited {
		live.Invited[id] = struct{}{}
	}

	c.mu.Lock()
	c.active[auctionID] = live
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.active, auctionID)
		c.mu.Unlock()
	}()

	if c.bus != nil {
		c.bus.Publish(events.Event{Type: events.AuctionOpened, Payload: map[string]any{
			"auctionId": auctionID, "taskId": task.ID, "invited": invited,
		}})
	}

	deadlineMillis := closeAt.UnixMilli()
	for _, agentID := range invited {
		c.deliverer.DeliverBidRequest(agentID, types.BidRequestFrame{
			Type:      types.FrameBidRequest,
			AuctionID: auctionID,
			Task:      task,
			Context: types.BidRequestContext{
				QueueDepth:          0,
				ParticipatingAgents: invited,
			},
			Deadline: deadlineMillis,
		})
	}

	c.waitForClose(ctx, live)
	live.Book.Close()

	bids := live.Book.Bids()
	if c.bus != nil {
		c.bus.Publish(events.Event{Type: events.AuctionClosed, Payload: map[string]any{
			"auctionId": auctionID, "taskId": task.ID, "bidCount": len(bids),
		}})
	}
	if len(bids) == 0 {
		return nil, NoBidders{}
	}

	ranked := c.rank(task, bids)
	winner := ranked[0].Bid.AgentID
	backups := make([]string, 0, len(ranked)-1)
	for _, eb := range ranked[1:] {
		backups = append(backups, eb.Bid.AgentID)
	}

	winnerBid := ranked[0].Bid
	c.reputation.RecordBidOutcome(winnerBid.AgentID, winnerBid.AgentVersion, reputation.BidOutcome{
		Won: true, Confidence: winnerBid.Confidence,
	})

	task.CurrentAuction = auctionID
	task.AssignedAgent = winner
	task.BackupQueue = backups
	task.AuctionOpenedAt = &live.OpenedAt
	closedAt := time.Now()
	task.AuctionClosedAt = &closedAt

	if c.bus != nil {
		c.bus.Publish(events.Event{Type: events.TaskAssigned, Payload: map[string]any{
			"taskId": task.ID, "winner": winner, "backups": backups,
		}})
	}

	return &Outcome{Task: task, Winner: winner, Backups: backups}, nil
}

func (c *Coordinator) rank(task types.Task, bids []types.Bid) []types.EvaluatedBid {
	if c.cfg.Strategy == StrategyMultiObjective {
		return c.rankMultiObjective(task, bids)
	}
	return orderbook.Rank(bids, c.reputationLookup)
}

func (c *Coordinator) reputationLookup(agentID, version string) float64 {
	return c.reputation.Get(agentID, version).Score
}

// rankMultiObjective adapts market.RankBids's ScoredBid slice into the
// orderbook's EvaluatedBid shape so both strategies share one downstream
// consumer (the winner/backups split in RunAuction).
func (c *Coordinator) rankMultiObjective(task types.Task, bids []types.Bid) []types.EvaluatedBid {
	trust := make(map[string]float64, len(bids))
	caps := make(map[string][]string, len(bids))
	for _, b := range bids {
		trust[b.AgentID] = c.reputationLookup(b.AgentID, b.AgentVersion)
		if rec, ok := c.registry.Get(b.AgentID); ok {
			caps[b.AgentID] = rec.Categories
		}
	}
	var requiredCaps []string
	if task.Metadata != nil {
		if rc, ok := task.Metadata["required_capabilities"].([]string); ok {
			requiredCaps = rc
		}
	}
	weights := market.SelectWeightsForTask(task)
	scored := market.RankBids(bids, weights, trust, requiredCaps, caps)

	out := make([]types.EvaluatedBid, len(scored))
	for i, s := range scored {
		out[i] = types.EvaluatedBid{Bid: s.Bid, Reputation: s.TrustScore, Score: s.Score, Rank: i + 1}
	}
	return out
}

// waitForClose blocks until CloseAt, every invitee has responded, or the
// instant-win shortcut fires — whichever comes first (spec.md §4.7).
func (c *Coordinator) waitForClose(ctx context.Context, live *Live) {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(live.CloseAt)):
			return
		case <-ticker.C:
			if c.allResponded(live) {
				return
			}
			if won, at := c.instantWin(live); won {
				remaining := live.CloseAt.Sub(time.Now())
				grace := c.cfg.InstantWinGrace
				if remaining < grace {
					grace = remaining
				}
				if time.Since(at) >= grace {
					return
				}
			}
		}
	}
}

func (c *Coordinator) allResponded(live *Live) bool {
	live.mu.Lock()
	declined := len(live.declined)
	live.mu.Unlock()
	bids := live.Book.Bids()
	return len(bids)+declined >= len(live.Invited)
}

// instantWin implements the optional shortcut of spec.md §4.7: a bid at or
// above InstantWinThreshold with no competitor within DominanceMargin.
// Disabled when InstantWinThreshold is 0 (SPEC_FULL open question 2).
func (c *Coordinator) instantWin(live *Live) (bool, time.Time) {
	if c.cfg.InstantWinThreshold <= 0 {
		return false, time.Time{}
	}
	bids := live.Book.Bids()
	var best *types.Bid
	var second float64
	for i := range bids {
		b := &bids[i]
		if best == nil || b.Confidence > best.Confidence {
			if best != nil && best.Confidence > second {
				second = best.Confidence
			}
			best = b
		} else if b.Confidence > second {
			second = b.Confidence
		}
	}
	if best == nil || best.Confidence < c.cfg.InstantWinThreshold {
		return false, time.Time{}
	}
	if best.Confidence-second < c.cfg.DominanceMargin {
		return false, time.Time{}
	}
	return true, best.Timestamp
}

// SubmitBid forwards an agent's bid into the named auction's order book.
func (c *Coordinator) SubmitBid(auctionID string, bid types.Bid) bool {
	c.mu.Lock()
	live, ok := c.active[auctionID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	return live.Book.SubmitBid(bid)
}

// Decline records a formal decline (null bid) from an invited agent.
func (c *Coordinator) Decline(auctionID, agentID string) {
	c.mu.Lock()
	live, ok := c.active[auctionID]
	c.mu.Unlock()
	if !ok {
		return
	}
	live.mu.Lock()
	live.declined[agentID] = struct{}{}
	live.mu.Unlock()
}
