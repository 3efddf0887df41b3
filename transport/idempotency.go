package transport

import (
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	gocache "github.com/patrickmn/go-cache"
)

// ResultDedup derives a deterministic idempotency key for a (taskID,
// agentID, attempt) result delivery and remembers which keys have already been
// applied, so a task_result frame delivered twice produces the same
// terminal state as one delivery (spec.md §8 round-trip property). Keyed
// by blake2b rather than a plain string concat so the key has a fixed,
// collision-resistant width regardless of id length/encoding.
type ResultDedup struct {
	seen *gocache.Cache
	mu   sync.Mutex
}

// NewResultDedup builds a dedup tracker that forgets keys after ttl.
func NewResultDedup(ttl time.Duration) *ResultDedup {
	return &ResultDedup{seen: gocache.New(ttl, ttl/2)}
}

// Key derives the idempotency key for one delivery attempt.
func Key(taskID, agentID string, attempt int) string {
	h, _ := blake2b.New256(nil)
	_, _ = h.Write([]byte(taskID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(agentID))
	_, _ = h.Write([]byte{0, byte(attempt)})
	return string(h.Sum(nil))
}

// FirstDelivery reports whether this is the first time key has been seen,
// atomically marking it seen either way.
func (d *ResultDedup) FirstDelivery(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen.Get(key); ok {
		return false
	}
	d.seen.Set(key, struct{}{}, gocache.DefaultExpiration)
	return true
}
