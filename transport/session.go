// Package transport implements the persistent bidirectional per-agent
// session (C11): one websocket connection per agent, newline-independent
// JSON-object frames, ping/pong heartbeats, and in-order inbound delivery.
// It generalizes the teacher's per-task NATS secure channel
// (engine.go's SetupAgentChannel/SecureChannelPublish/
// SecureChannelQueueSubscribe) to one long-lived socket per agent, since
// spec.md §4.9 requires a single persistent session rather than a topic
// per task.
package transport

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dataparency-dev/exchange/types"
)

// Inbound is dispatched for every decoded frame received on any session.
// agentID identifies which session the frame arrived on.
type Inbound func(agentID string, frame json.RawMessage, frameType types.FrameType)

// Session wraps one agent's websocket connection with a write mutex
// (gorilla/websocket forbids concurrent writer goroutines) and an
// inbound-order-preserving read loop.
type Session struct {
	agentID string
	conn    *websocket.Conn
	log     zerolog.Logger

	writeMu sync.Mutex
	closed  bool
	closeMu sync.Mutex

	lastPong time.Time
	pongMu   sync.Mutex
}

func newSession(agentID string, conn *websocket.Conn, log zerolog.Logger) *Session {
	return &Session{
		agentID:  agentID,
		conn:     conn,
		log:      log.With().Str("agent", agentID).Logger(),
		lastPong: time.Now(),
	}
}

// Send writes one JSON frame to the session. Returns false if the session
// is already closed, matching spec.md §4.9's "failing to false if absent
// or closed" delivery contract.
func (s *Session) Send(frame any) bool {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return false
	}
	s.closeMu.Unlock()

	data, err := json.Marshal(frame)
	if err != nil {
		s.log.Error().Err(err).Msg("marshal outbound frame")
		return false
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.log.Warn().Err(err).Msg("write outbound frame")
		return false
	}
	return true
}

// Close closes the underlying connection exactly once.
func (s *Session) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

func (s *Session) touchPong() {
	s.pongMu.Lock()
	s.lastPong = time.Now()
	s.pongMu.Unlock()
}

func (s *Session) sincePong() time.Duration {
	s.pongMu.Lock()
	defer s.pongMu.Unlock()
	return time.Since(s.lastPong)
}

// readLoop delivers inbound frames in the order received on this session
// (cross-session ordering is unspecified, per spec.md §5) until the
// connection errors or closes. onPong fires on every pong frame so the
// caller can refresh the agent's registry heartbeat; it may be nil.
func (s *Session) readLoop(onMessage Inbound, onPong func(agentID string), onDisconnect func(agentID string)) {
	defer func() {
		_ = s.Close()
		onDisconnect(s.agentID)
	}()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.Send(types.ErrorFrame{Type: types.FrameError, Code: "malformed_frame", Message: fmt.Sprintf("invalid json: %v", err)})
			continue
		}
		if env.Type == types.FramePong {
			s.touchPong()
			if onPong != nil {
				onPong(s.agentID)
			}
			continue
		}
		onMessage(s.agentID, data, env.Type)
	}
}
