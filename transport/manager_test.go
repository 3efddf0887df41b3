package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataparency-dev/exchange/types"
)

func dialingServer(t *testing.T, mgr *Manager) (*httptest.Server, string) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _, err := mgr.Accept(w, r)
		if err != nil {
			t.Logf("accept error: %v", err)
		}
	}))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, wsURL
}

func TestAcceptRegistersSessionAndDeliversFrames(t *testing.T) {
	var received []types.FrameType
	var mu sync.Mutex
	mgr := New(Options{
		OnMessage: func(agentID string, frame json.RawMessage, frameType types.FrameType) {
			mu.Lock()
			received = append(received, frameType)
			mu.Unlock()
		},
	}, zerolog.Nop())

	srv, wsURL := dialingServer(t, mgr)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(types.RegisterFrame{Type: types.FrameRegister, AgentID: "agent-1"}))

	require.Eventually(t, func() bool { return mgr.Count() == 1 }, time.Second, 10*time.Millisecond)

	assert.True(t, mgr.Deliver("agent-1", types.PingFrame{Type: types.FramePing, Timestamp: 1}))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env types.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, types.FramePing, env.Type)

	require.NoError(t, conn.WriteJSON(types.BidResponseFrame{Type: types.FrameBidResponse, AgentID: "agent-1"}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, ft := range received {
			if ft == types.FrameBidResponse {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestAcceptFiresOnPongForEachPongFrame(t *testing.T) {
	var pongs []string
	var mu sync.Mutex
	mgr := New(Options{
		OnMessage: func(string, json.RawMessage, types.FrameType) {},
		OnPong: func(agentID string) {
			mu.Lock()
			pongs = append(pongs, agentID)
			mu.Unlock()
		},
	}, zerolog.Nop())

	srv, wsURL := dialingServer(t, mgr)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteJSON(types.RegisterFrame{Type: types.FrameRegister, AgentID: "agent-1"}))
	require.Eventually(t, func() bool { return mgr.Count() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(types.PingFrame{Type: types.FramePong, Timestamp: time.Now().UnixMilli()}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(pongs) == 1 && pongs[0] == "agent-1"
	}, time.Second, 10*time.Millisecond, "a pong frame must trigger OnPong so the registry heartbeat advances")
}

func TestDeliverToAbsentAgentReturnsFalse(t *testing.T) {
	mgr := New(Options{}, zerolog.Nop())
	assert.False(t, mgr.Deliver("ghost", types.PingFrame{}))
}

func TestAcceptReplacesExistingSessionForSameAgent(t *testing.T) {
	mgr := New(Options{OnMessage: func(string, json.RawMessage, types.FrameType) {}}, zerolog.Nop())
	srv, wsURL := dialingServer(t, mgr)
	defer srv.Close()

	conn1, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	require.NoError(t, conn1.WriteJSON(types.RegisterFrame{Type: types.FrameRegister, AgentID: "agent-1"}))
	require.Eventually(t, func() bool { return mgr.Count() == 1 }, time.Second, 10*time.Millisecond)

	conn2, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn2.Close()
	require.NoError(t, conn2.WriteJSON(types.RegisterFrame{Type: types.FrameRegister, AgentID: "agent-1"}))

	require.Eventually(t, func() bool { return mgr.Count() == 1 }, time.Second, 10*time.Millisecond)

	_, _, err = conn1.ReadMessage()
	assert.Error(t, err, "the replaced session's connection should be closed by the manager")
}

func TestCloseAllClosesEverySession(t *testing.T) {
	mgr := New(Options{OnMessage: func(string, json.RawMessage, types.FrameType) {}}, zerolog.Nop())
	srv, wsURL := dialingServer(t, mgr)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteJSON(types.RegisterFrame{Type: types.FrameRegister, AgentID: "agent-1"}))
	require.Eventually(t, func() bool { return mgr.Count() == 1 }, time.Second, 10*time.Millisecond)

	mgr.CloseAll()
	assert.Equal(t, 0, mgr.Count())
}
