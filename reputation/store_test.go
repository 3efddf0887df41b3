package reputation

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataparency-dev/exchange/events"
	"github.com/dataparency-dev/exchange/storage"
)

func newTestStore() *Store {
	return New(DefaultConfig(), storage.NewMemory(), events.New(zerolog.Nop()), zerolog.Nop())
}

func TestGetCreatesInitialRecord(t *testing.T) {
	s := newTestStore()
	rec := s.Get("agent-1", "v1")
	assert.Equal(t, DefaultConfig().InitialScore, rec.Score)
	assert.Equal(t, 0, rec.TotalTasks)
}

func TestRecordSuccessRaisesScoreAndCounts(t *testing.T) {
	s := newTestStore()
	s.Get("agent-1", "v1")
	rec := s.RecordSuccess("agent-1", "v1")
	assert.InDelta(t, DefaultConfig().InitialScore+DefaultConfig().SuccessIncrement, rec.Score, 1e-9)
	assert.Equal(t, 1, rec.SuccessCount)
	assert.Equal(t, 1, rec.TotalTasks)
}

func TestRecordFailureDistinguishesTimeout(t *testing.T) {
	s := newTestStore()
	rec := s.RecordFailure("agent-1", "v1", FailureOutcome{IsTimeout: true})
	assert.InDelta(t, DefaultConfig().InitialScore-DefaultConfig().TimeoutDecrement, rec.Score, 1e-9)
	assert.Equal(t, 1, rec.TimeoutCount)
	assert.Equal(t, 0, rec.FailCount)
}

func TestScoreClampsAtMinScore(t *testing.T) {
	s := newTestStore()
	s.Get("agent-1", "v1")
	var last float64
	for i := 0; i < 50; i++ {
		last = s.RecordFailure("agent-1", "v1", FailureOutcome{}).Score
	}
	assert.Equal(t, DefaultConfig().MinScore, last)
}

func TestConservativeBidPenaltyOnlyAppliesBelowThreshold(t *testing.T) {
	s := newTestStore()
	before := s.Get("agent-1", "v1").Score
	rec := s.RecordBidOutcome("agent-1", "v1", BidOutcome{Won: true, Confidence: 0.95})
	assert.Equal(t, before, rec.Score, "high-confidence win should not trigger the penalty")

	rec = s.RecordBidOutcome("agent-1", "v1", BidOutcome{Won: true, Confidence: 0.1})
	assert.Less(t, rec.Score, before)
	assert.Equal(t, 1, rec.ConservativeWins)
}

func TestVersionResetWithinCooldownInheritsCappedScore(t *testing.T) {
	s := newTestStore()
	s.RecordSuccess("agent-1", "v1") // push above neutral
	s.RecordSuccess("agent-1", "v1")
	v1 := s.Get("agent-1", "v1")
	require.Greater(t, v1.Score, DefaultConfig().NeutralScore)

	v2 := s.Get("agent-1", "v2")
	assert.LessOrEqual(t, v2.Score, DefaultConfig().NeutralScore)
	assert.NotNil(t, v2.VersionResetAt)
}

func TestVersionOutsideCooldownStartsFresh(t *testing.T) {
	cfg := DefaultConfig()
	cfg.VersionResetCooldown = time.Nanosecond
	s := New(cfg, storage.NewMemory(), events.New(zerolog.Nop()), zerolog.Nop())
	s.RecordSuccess("agent-1", "v1")
	time.Sleep(2 * time.Millisecond)

	v2 := s.Get("agent-1", "v2")
	assert.Equal(t, cfg.InitialScore, v2.Score)
	assert.Nil(t, v2.VersionResetAt)
}

func TestFlagThresholdPublishesAgentFlagged(t *testing.T) {
	bus := events.New(zerolog.Nop())
	flagged := make(chan struct{}, 1)
	bus.Subscribe(events.AgentFlagged, func(events.Event) {
		flagged <- struct{}{}
	})
	cfg := DefaultConfig()
	cfg.FlagThreshold = cfg.InitialScore // trips on the very first failure
	s := New(cfg, storage.NewMemory(), bus, zerolog.Nop())
	s.RecordFailure("agent-1", "v1", FailureOutcome{})

	select {
	case <-flagged:
	case <-time.After(time.Second):
		t.Fatal("expected agent:flagged to be published")
	}
}

func TestDecayAllNudgesTowardNeutral(t *testing.T) {
	s := newTestStore()
	rec := s.RecordSuccess("agent-1", "v1")
	require.Greater(t, rec.Score, DefaultConfig().NeutralScore)
	past := time.Now().Add(-48 * time.Hour)
	rec.LastDecayAt = &past
	// rec points at the store's own record, so keep the pre-decay score.
	before := rec.Score

	s.DecayAll()
	updated := s.Get("agent-1", "v1")
	assert.Less(t, updated.Score, before)
	assert.Greater(t, updated.Score, DefaultConfig().NeutralScore)
}
