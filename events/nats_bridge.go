package events

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSBridge mirrors locally published events onto NATS subjects so a
// clustered deployment's broker replicas observe each other's auctions and
// assignments. It is the direct successor of the teacher's NATS-backed
// transport (natsclient), scoped down to exactly the publish/subscribe
// surface the exchange needs — a subject per event Type under the
// "exchange." prefix.
type NATSBridge struct {
	conn *nats.Conn
	bus  *Bus
	log  zerolog.Logger
}

// NewNATSBridge connects to url and wires outbound mirroring for every Type
// in mirror. Publishing failures are logged, never returned to callers —
// the in-memory bus remains authoritative within a single process exactly
// as spec.md §7 requires for storage errors.
func NewNATSBridge(url string, bus *Bus, log zerolog.Logger, mirror ...Type) (*NATSBridge, error) {
	conn, err := nats.Connect(url, nats.Name("exchange-event-bridge"))
	if err != nil {
		return nil, fmt.Errorf("connect nats event bridge: %w", err)
	}
	br := &NATSBridge{conn: conn, bus: bus, log: log.With().Str("component", "events.nats").Logger()}
	for _, t := range mirror {
		t := t
		bus.Subscribe(t, br.mirror(t))
	}
	return br, nil
}

func subject(t Type) string {
	return "exchange." + string(t)
}

func (b *NATSBridge) mirror(t Type) Handler {
	return func(evt Event) {
		data, err := json.Marshal(evt.Payload)
		if err != nil {
			b.log.Warn().Err(err).Str("type", string(t)).Msg("marshal event for nats mirror")
			return
		}
		if err := b.conn.Publish(subject(t), data); err != nil {
			b.log.Warn().Err(err).Str("type", string(t)).Msg("publish event to nats")
		}
	}
}

// Remote subscribes to a remote replica's mirrored events of typ and
// re-publishes them on the local bus wrapped as Type typ with a raw JSON
// payload — consumers that need typed access should decode it themselves.
func (b *NATSBridge) Remote(typ Type) error {
	_, err := b.conn.Subscribe(subject(typ), func(msg *nats.Msg) {
		b.bus.Publish(Event{Type: typ, Payload: json.RawMessage(msg.Data)})
	})
	return err
}

// Close drains and closes the underlying NATS connection.
func (b *NATSBridge) Close() {
	b.conn.Close()
}
