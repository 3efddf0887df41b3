// Package ratelimit implements sliding-window admission control (C4):
// global and per-agent submission caps plus a concurrent-auctions cap.
// Modeled after security.go's CircuitBreaker counter-with-cooldown shape,
// applied here to a rolling admission window instead of a failure trip.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Config holds the caps named in spec.md §6's Configuration.rateLimit.
type Config struct {
	MaxTasksPerMinute   int
	MaxTasksPerAgent    int
	MaxConcurrentAuctions int
	BurstAllowance      int
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		MaxTasksPerMinute:     120,
		MaxTasksPerAgent:      20,
		MaxConcurrentAuctions: 16,
		BurstAllowance:        10,
	}
}

// Decision reports an admission outcome; RetryAfter is populated on denial.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter tracks a global sliding window, a per-agent window, and a
// concurrent-auction gauge.
type Limiter struct {
	cfg Config

	mu         sync.Mutex
	globalHits []time.Time
	agentHits  *gocache.Cache // agentID -> []time.Time, TTL-expired

	auctionsMu   sync.Mutex
	auctionsOpen int
}

// New builds a limiter from cfg.
func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:       cfg,
		agentHits: gocache.New(2*time.Minute, 2*time.Minute),
	}
}

func (l *Limiter) prune(hits []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(hits) && hits[i].Before(cutoff) {
		i++
	}
	return hits[i:]
}

// AdmitTask applies the per-agent window first and the global window
// second, committing a hit to either only once both admit: a submission
// rejected for exceeding its own agent's cap must not also spend the
// shared global budget. agentID may be empty when the submitting client
// isn't itself an agent, in which case only the global window applies.
func (l *Limiter) AdmitTask(agentID string) Decision {
	now := time.Now()

	var key string
	var agentHits []time.Time
	checkAgent := agentID != "" && l.cfg.MaxTasksPerAgent > 0
	if checkAgent {
		key = fmt.Sprintf("agent:%s", agentID)
		if v, ok := l.agentHits.Get(key); ok {
			agentHits = v.([]time.Time)
		}
		agentHits = l.prune(agentHits, now)
		if len(agentHits) >= l.cfg.MaxTasksPerAgent {
			oldest := agentHits[0]
			l.agentHits.Set(key, agentHits, gocache.DefaultExpiration)
			return Decision{Allowed: false, RetryAfter: time.Minute - now.Sub(oldest)}
		}
	}

	limit := l.cfg.MaxTasksPerMinute + l.cfg.BurstAllowance
	l.mu.Lock()
	l.globalHits = l.prune(l.globalHits, now)
	if len(l.globalHits) >= limit {
		oldest := l.globalHits[0]
		l.mu.Unlock()
		return Decision{Allowed: false, RetryAfter: time.Minute - now.Sub(oldest)}
	}
	l.globalHits = append(l.globalHits, now)
	l.mu.Unlock()

	if checkAgent {
		agentHits = append(agentHits, now)
		l.agentHits.Set(key, agentHits, gocache.DefaultExpiration)
	}
	return Decision{Allowed: true}
}

// TryOpenAuction admits one more concurrent auction if under the cap.
func (l *Limiter) TryOpenAuction() bool {
	l.auctionsMu.Lock()
	defer l.auctionsMu.Unlock()
	if l.auctionsOpen >= l.cfg.MaxConcurrentAuctions {
		return false
	}
	l.auctionsOpen++
	return true
}

// CloseAuction releases a concurrent-auction slot.
func (l *Limiter) CloseAuction() {
	l.auctionsMu.Lock()
	defer l.auctionsMu.Unlock()
	if l.auctionsOpen > 0 {
		l.auctionsOpen--
	}
}

// OpenAuctions reports the current concurrent-auction count (observability).
func (l *Limiter) OpenAuctions() int {
	l.auctionsMu.Lock()
	defer l.auctionsMu.Unlock()
	return l.auctionsOpen
}
