package transport

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dataparency-dev/exchange/types"
)

// Manager owns the live set of per-agent sessions and the heartbeat
// pinger. It is the transport's half of the registry/transport pairing
// described in spec.md §3 ("the registry exclusively owns the record; the
// transport holds a reference to the delivery channel").
type Manager struct {
	upgrader websocket.Upgrader
	log      zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	heartbeatInterval time.Duration
	onMessage         Inbound
	onDisconnect      func(agentID string)
	onPong            func(agentID string)
}

// Options configures the manager's heartbeat cadence and callbacks.
type Options struct {
	HeartbeatInterval time.Duration
	OnMessage         Inbound
	OnDisconnect      func(agentID string)
	// OnPong fires every time a session's pong frame arrives, letting the
	// caller (exchange facade) refresh the agent's registry heartbeat.
	// Without it registry.CheckHealth's LastHeartbeat never advances past
	// connection time and would flag every live agent unhealthy.
	OnPong func(agentID string)
}

// New builds a session manager. Call Accept from an HTTP handler to accept
// a new agent connection; it returns once the register frame has arrived.
func New(opts Options, log zerolog.Logger) *Manager {
	return &Manager{
		upgrader:          websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(*http.Request) bool { return true }},
		log:               log.With().Str("component", "transport").Logger(),
		sessions:          make(map[string]*Session),
		heartbeatInterval: opts.HeartbeatInterval,
		onMessage:         opts.OnMessage,
		onDisconnect:      opts.OnDisconnect,
		onPong:            opts.OnPong,
	}
}

// Accept upgrades an HTTP request to a websocket, waits for (and decodes)
// the inbound register frame, installs the resulting session under
// agentID, and starts its read loop + heartbeat pinger. The caller
// (exchange facade) is responsible for registering the agent in the
// registry from the returned RegisterFrame before frames start flowing.
func (m *Manager) Accept(w http.ResponseWriter, r *http.Request) (*Session, *types.RegisterFrame, error) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, nil, err
	}

	var reg types.RegisterFrame
	if err := conn.ReadJSON(&reg); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}

	sess := newSession(reg.AgentID, conn, m.log)
	m.mu.Lock()
	if old, ok := m.sessions[reg.AgentID]; ok {
		_ = old.Close()
	}
	m.sessions[reg.AgentID] = sess
	m.mu.Unlock()

	go sess.readLoop(m.onMessage, m.onPong, func(agentID string) {
		m.mu.Lock()
		if cur, ok := m.sessions[agentID]; ok && cur == sess {
			delete(m.sessions, agentID)
		}
		m.mu.Unlock()
		if m.onDisconnect != nil {
			m.onDisconnect(agentID)
		}
	})
	if m.heartbeatInterval > 0 {
		go m.pingLoop(sess)
	}
	return sess, &reg, nil
}

func (m *Manager) pingLoop(sess *Session) {
	t := time.NewTicker(m.heartbeatInterval)
	defer t.Stop()
	for range t.C {
		m.mu.RLock()
		cur, ok := m.sessions[sess.agentID]
		m.mu.RUnlock()
		if !ok || cur != sess {
			return
		}
		if sess.sincePong() > 2*m.heartbeatInterval {
			m.log.Warn().Str("agent", sess.agentID).Msg("missed heartbeat pongs, closing session")
			_ = sess.Close()
			return
		}
		if !sess.Send(types.PingFrame{Type: types.FramePing, Timestamp: time.Now().UnixMilli()}) {
			return
		}
	}
}

// Deliver looks up the current session for agentID and sends frame,
// returning false if no session is open — the "failing to false if absent
// or closed" contract of spec.md §4.9.
func (m *Manager) Deliver(agentID string, frame any) bool {
	m.mu.RLock()
	sess, ok := m.sessions[agentID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	return sess.Send(frame)
}

// CloseAll forcibly closes every open session (used by Facade.Shutdown).
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, s := range sessions {
		_ = s.Close()
	}
}

// Count reports the number of currently open sessions (observability).
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
