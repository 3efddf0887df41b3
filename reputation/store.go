// Package reputation implements the durable per-(agent, version) score
// store (C2), generalized from the teacher's weighted-decay trust score in
// engine.go's ComputeTrustScore and the flag/trip concept in security.go's
// CircuitBreaker.CheckTrustDrop.
package reputation

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dataparency-dev/exchange/events"
	"github.com/dataparency-dev/exchange/storage"
	"github.com/dataparency-dev/exchange/types"
)

// Config holds every tunable named in spec.md §4.2.
type Config struct {
	MinScore     float64
	MaxScore     float64
	NeutralScore float64
	InitialScore float64

	SuccessIncrement  float64
	FailureDecrement  float64
	TimeoutDecrement  float64

	DecayRate   float64
	DecayWindow time.Duration

	ConservativeBidThreshold float64
	ConservativeBidPenalty   float64

	VersionResetCooldown time.Duration

	FlagThreshold float64
}

// DefaultConfig returns the scoring parameters used unless overridden.
func DefaultConfig() Config {
	return Config{
		MinScore:     0.1,
		MaxScore:     2.0,
		NeutralScore: 1.0,
		InitialScore: 1.0,

		SuccessIncrement: 0.05,
		FailureDecrement: 0.15,
		TimeoutDecrement: 0.20,

		DecayRate:   0.1,
		DecayWindow: 24 * time.Hour,

		ConservativeBidThreshold: 0.3,
		ConservativeBidPenalty:   0.05,

		VersionResetCooldown: 72 * time.Hour,

		FlagThreshold: 0.3,
	}
}

// Store is the single-writer-per-(agentId, version) reputation table.
type Store struct {
	cfg     Config
	storage storage.Adapter
	bus     *events.Bus
	log     zerolog.Logger

	mu      sync.Mutex
	records map[string]*types.ReputationRecord // keyed by recordKey
}

// New builds a reputation store backed by adapter and publishing flags on bus.
func New(cfg Config, adapter storage.Adapter, bus *events.Bus, log zerolog.Logger) *Store {
	return &Store{
		cfg:     cfg,
		storage: adapter,
		bus:     bus,
		log:     log.With().Str("component", "reputation").Logger(),
		records: make(map[string]*types.ReputationRecord),
	}
}

func recordKey(agentID, version string) string {
	return fmt.Sprintf("reputation/%s/%s", agentID, version)
}

// FailureOutcome describes a non-success settlement.
type FailureOutcome struct {
	IsTimeout bool
	Error     string
}

// BidOutcome feeds the conservative-bid gaming mitigation.
type BidOutcome struct {
	Won        bool
	Confidence float64
}

// Get returns the record for (agentId, version), creating and persisting
// one with the initial/inherited score if absent. Never errors on an
// unknown agent, per spec.md §4.2.
func (s *Store) Get(agentID, version string) *types.ReputationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(agentID, version)
}

func (s *Store) getLocked(agentID, version string) *types.ReputationRecord {
	key := recordKey(agentID, version)
	if rec, ok := s.records[key]; ok {
		return rec
	}
	if data, ok, _ := s.storage.Get(key); ok {
		var rec types.ReputationRecord
		if err := json.Unmarshal(data, &rec); err == nil {
			s.records[key] = &rec
			return &rec
		}
	}
	rec := s.newRecord(agentID, version)
	s.records[key] = rec
	s.persistLocked(rec)
	return rec
}

// newRecord applies the version-reset-cooldown rule: a new version within
// the cooldown of a prior version inherits min(neutral, previousScore);
// outside the cooldown it starts at InitialScore.
func (s *Store) newRecord(agentID, version string) *types.ReputationRecord {
	now := time.Now()
	prevScore, prevAt, found := s.latestOtherVersionLocked(agentID, version)
	if found && now.Sub(prevAt) < s.cfg.VersionResetCooldown {
		score := prevScore
		if s.cfg.NeutralScore < score {
			score = s.cfg.NeutralScore
		}
		return &types.ReputationRecord{
			AgentID:              agentID,
			Version:              version,
			Score:                score,
			PreviousVersionScore: prevScore,
			VersionResetAt:       &now,
			LastUpdated:          now,
		}
	}
	return &types.ReputationRecord{
		AgentID:     agentID,
		Version:     version,
		Score:       s.cfg.InitialScore,
		LastUpdated: now,
	}
}

func (s *Store) latestOtherVersionLocked(agentID, version string) (score float64, at time.Time, found bool) {
	prefix := fmt.Sprintf("reputation/%s/", agentID)
	keys, err := s.storage.List(prefix)
	if err != nil {
		return 0, time.Time{}, false
	}
	for _, k := range keys {
		if k == recordKey(agentID, version) {
			continue
		}
		data, ok, _ := s.storage.Get(k)
		if !ok {
			continue
		}
		var rec types.ReputationRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		if !found || rec.LastUpdated.After(at) {
			score, at, found = rec.Score, rec.LastUpdated, true
		}
	}
	return
}

func (s *Store) persistLocked(rec *types.ReputationRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		s.log.Error().Err(err).Str("agent", rec.AgentID).Msg("marshal reputation record")
		return
	}
	if err := s.storage.Set(recordKey(rec.AgentID, rec.Version), data); err != nil {
		// Storage write failures are logged but never abort the in-memory
		// update; the adapter is the source of eventual durability.
		s.log.Error().Err(err).Str("agent", rec.AgentID).Msg("persist reputation record")
	}
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// RecordSuccess raises the score and commits the event, per spec.md §4.2.
func (s *Store) RecordSuccess(agentID, version string) *types.ReputationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.getLocked(agentID, version)
	rec.Score = clamp(rec.Score+s.cfg.SuccessIncrement, s.cfg.MinScore, s.cfg.MaxScore)
	rec.SuccessCount++
	rec.TotalTasks++
	rec.LastUpdated = time.Now()
	s.persistLocked(rec)
	return rec
}

// RecordFailure lowers the score by the failure or timeout decrement.
func (s *Store) RecordFailure(agentID, version string, outcome FailureOutcome) *types.ReputationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.getLocked(agentID, version)
	if outcome.IsTimeout {
		rec.Score = clamp(rec.Score-s.cfg.TimeoutDecrement, s.cfg.MinScore, s.cfg.MaxScore)
		rec.TimeoutCount++
	} else {
		rec.Score = clamp(rec.Score-s.cfg.FailureDecrement, s.cfg.MinScore, s.cfg.MaxScore)
		rec.FailCount++
	}
	rec.TotalTasks++
	rec.LastUpdated = time.Now()
	s.maybeFlagLocked(rec)
	s.persistLocked(rec)
	return rec
}

// RecordBidOutcome applies the conservative-bid gaming mitigation: winning
// with a low-confidence bid nudges the score down and counts toward
// ConservativeWins, discouraging always-bid-low-to-win-uncontested.
func (s *Store) RecordBidOutcome(agentID, version string, outcome BidOutcome) *types.ReputationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.getLocked(agentID, version)
	if outcome.Won && outcome.Confidence < s.cfg.ConservativeBidThreshold {
		rec.Score = clamp(rec.Score-s.cfg.ConservativeBidPenalty, s.cfg.MinScore, s.cfg.MaxScore)
		rec.ConservativeWins++
		rec.LastUpdated = time.Now()
		s.persistLocked(rec)
	}
	return rec
}

func (s *Store) maybeFlagLocked(rec *types.ReputationRecord) {
	if rec.FlaggedForReview || rec.Score >= s.cfg.FlagThreshold {
		return
	}
	rec.FlaggedForReview = true
	rec.FlagReason = fmt.Sprintf("score %.3f fell below flag threshold %.3f", rec.Score, s.cfg.FlagThreshold)
	if s.bus != nil {
		s.bus.Publish(events.Event{Type: events.AgentFlagged, Payload: *rec})
	}
}

// DecayAll runs the periodic-maintenance decay pass: every record that has
// never been decayed, or whose LastDecayAt is older than DecayWindow, is
// nudged toward NeutralScore.
// Intended to be called on a ticker by the exchange facade.
func (s *Store) DecayAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, rec := range s.records {
		if rec.LastDecayAt != nil && now.Sub(*rec.LastDecayAt) < s.cfg.DecayWindow {
			continue
		}
		rec.Score += (s.cfg.NeutralScore - rec.Score) * s.cfg.DecayRate
		rec.LastDecayAt = &now
		s.persistLocked(rec)
	}
}

// GetSummary aggregates the in-memory record set for observability.
func (s *Store) GetSummary() types.ReputationSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum types.ReputationSummary
	var total float64
	for _, rec := range s.records {
		sum.TotalAgents++
		total += rec.Score
		if rec.FlaggedForReview {
			sum.FlaggedAgents++
		}
	}
	if sum.TotalAgents > 0 {
		sum.AverageScore = total / float64(sum.TotalAgents)
	}
	return sum
}
