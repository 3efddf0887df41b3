// Package events implements the typed publish-subscribe bus (C12) that
// couples the auction coordinator, dispatcher, registry, and reputation
// store without direct references between them. It generalizes the
// teacher's SubscribeToMonitoring/EmitMonitorEvent pair (engine.go) from a
// single per-task NATS channel to a process-wide typed bus.
package events

import (
	"sync"

	"github.com/rs/zerolog"
)

// Type names the well-known event kinds emitted across the exchange.
type Type string

const (
	TaskAssigned         Type = "task:assigned"
	TaskSettled          Type = "task:settled"
	TaskDeadLetter       Type = "task:dead_letter"
	TaskAgentDisconnected Type = "task:agent_disconnected"
	TaskCancelled        Type = "task:cancelled"

	AuctionOpened Type = "auction:opened"
	AuctionClosed Type = "auction:closed"

	AgentConnected   Type = "agent:connected"
	AgentDisconnected Type = "agent:disconnected"
	AgentUnhealthy   Type = "agent:unhealthy"
	AgentFlagged     Type = "agent:flagged"
)

// Event is the envelope published on the bus. Payload is left as `any`
// because each Type carries a different concrete struct — consumers type
// assert on the Type they registered for.
type Event struct {
	Type    Type
	Payload any
}

// Handler receives events of the Type it was subscribed under.
type Handler func(Event)

// Bus is a simple in-process fan-out publisher. It never blocks a
// publisher on a slow subscriber — each handler runs in its own goroutine,
// matching the "asynchronous event published on the bus" seam described in
// spec.md §5.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler
	log      zerolog.Logger
}

// New builds an empty bus. log is attached to every dispatch for
// observability; pass zerolog.Nop() in tests that don't care.
func New(log zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[Type][]Handler),
		log:      log.With().Str("component", "events").Logger(),
	}
}

// Subscribe registers handler to run whenever an event of typ is published.
func (b *Bus) Subscribe(typ Type, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[typ] = append(b.handlers[typ], handler)
}

// Publish fans an event out to every subscriber of its Type, each in its
// own goroutine so a slow or panicking handler cannot stall the publisher.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	hs := append([]Handler(nil), b.handlers[evt.Type]...)
	b.mu.RUnlock()

	if len(hs) == 0 {
		return
	}
	for _, h := range hs {
		h := h
		go func() {
			defer func() {
				if r := recover(); r != nil {
					b.log.Error().Interface("panic", r).Str("type", string(evt.Type)).Msg("event handler panicked")
				}
			}()
			h(evt)
		}()
	}
}
