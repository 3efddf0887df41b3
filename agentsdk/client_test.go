package agentsdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataparency-dev/exchange/types"
)

// fakeBroker upgrades exactly one connection, acks the register frame, and
// exposes the raw conn so tests can push bid_request/task_assignment frames
// and read back the agent's responses without standing up the real facade.
func fakeBroker(t *testing.T) (*httptest.Server, chan *websocket.Conn) {
	conns := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)

		var reg types.RegisterFrame
		require.NoError(t, conn.ReadJSON(&reg))
		require.NoError(t, conn.WriteJSON(types.RegisteredFrame{Type: types.FrameRegistered, AgentID: reg.AgentID}))
		conns <- conn
	}))
	return srv, conns
}

type stubBidder struct{ payload *types.BidPayload }

func (s stubBidder) Bid(ctx context.Context, task types.Task, bidCtx types.BidRequestContext) (*types.BidPayload, bool) {
	if s.payload == nil {
		return nil, false
	}
	return s.payload, true
}

type stubExecutor struct{ result types.TaskResult }

func (s stubExecutor) Execute(ctx context.Context, assignment types.AssignmentFrame) types.TaskResult {
	return s.result
}

func TestConnectPerformsRegisterHandshake(t *testing.T) {
	srv, conns := fakeBroker(t)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	client, err := Connect(context.Background(), wsURL, Options{AgentID: "agent-1"}, zerolog.Nop())
	require.NoError(t, err)
	defer client.Close()

	select {
	case <-conns:
	case <-time.After(time.Second):
		t.Fatal("broker never received a connection")
	}
}

func TestRunRespondsToBidRequestWithBidder(t *testing.T) {
	srv, conns := fakeBroker(t)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	client, err := Connect(context.Background(), wsURL, Options{
		AgentID: "agent-1",
		Bidder:  stubBidder{payload: &types.BidPayload{Confidence: 0.7, Tier: types.TierKeyword}},
	}, zerolog.Nop())
	require.NoError(t, err)
	defer client.Close()

	conn := <-conns
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	require.NoError(t, conn.WriteJSON(types.BidRequestFrame{
		Type: types.FrameBidRequest, AuctionID: "auc-1",
		Deadline: time.Now().Add(time.Second).UnixMilli(),
	}))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var resp types.BidResponseFrame
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, "auc-1", resp.AuctionID)
	require.NotNil(t, resp.Bid)
	assert.Equal(t, 0.7, resp.Bid.Confidence)
}

func TestRunRespondsToAssignmentWithExecutor(t *testing.T) {
	srv, conns := fakeBroker(t)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	client, err := Connect(context.Background(), wsURL, Options{
		AgentID:  "agent-1",
		Executor: stubExecutor{result: types.TaskResult{Success: true}},
	}, zerolog.Nop())
	require.NoError(t, err)
	defer client.Close()

	conn := <-conns
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	require.NoError(t, conn.WriteJSON(types.AssignmentFrame{
		Type: types.FrameAssignment, TaskID: "task-1", Timeout: 1000,
	}))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var resp types.ResultFrame
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, "task-1", resp.TaskID)
	assert.True(t, resp.Result.Success)
}

func TestRunRespondsToPingWithPong(t *testing.T) {
	srv, conns := fakeBroker(t)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	client, err := Connect(context.Background(), wsURL, Options{AgentID: "agent-1"}, zerolog.Nop())
	require.NoError(t, err)
	defer client.Close()

	conn := <-conns
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	require.NoError(t, conn.WriteJSON(types.PingFrame{Type: types.FramePing, Timestamp: time.Now().UnixMilli()}))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env types.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, types.FramePong, env.Type)
}

func TestGenerateAgentIDHasPrefix(t *testing.T) {
	id := GenerateAgentID("refagent")
	assert.Contains(t, id, "refagent-")
}
