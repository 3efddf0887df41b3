// Package agentsdk is a Go client for the exchange's §6 wire protocol,
// letting a third-party-hosted agent participate without depending on the
// broker's internals. It restates engine.go's PublishTaskForBidding/
// SubmitBid exchange as a client instead of a server.
package agentsdk

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dataparency-dev/exchange/types"
)

// Bidder decides whether and how to bid on an invited task. Returning
// (nil, false) sends a formal decline.
type Bidder interface {
	Bid(ctx context.Context, task types.Task, bidCtx types.BidRequestContext) (*types.BidPayload, bool)
}

// Executor carries out an assigned task and reports its outcome.
type Executor interface {
	Execute(ctx context.Context, assignment types.AssignmentFrame) types.TaskResult
}

// Options configures a Client.
type Options struct {
	AgentID      string
	AgentVersion string
	Categories   []string
	Capabilities types.Capabilities
	APIKey       string
	Bidder       Bidder
	Executor     Executor
}

// Client is one agent's persistent session against the exchange.
type Client struct {
	opts Options
	log  zerolog.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// Connect dials url, performs the register/registered handshake, and
// returns a Client ready for Run.
func Connect(ctx context.Context, url string, opts Options, log zerolog.Logger) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial exchange at %s: %w", url, err)
	}

	c := &Client{
		opts:   opts,
		log:    log.With().Str("component", "agentsdk").Str("agent", opts.AgentID).Logger(),
		conn:   conn,
		closed: make(chan struct{}),
	}

	if err := c.conn.WriteJSON(types.RegisterFrame{
		Type: types.FrameRegister, ProtocolVersion: "1.0",
		AgentID: opts.AgentID, AgentVersion: opts.AgentVersion,
		Categories: opts.Categories, Capabilities: opts.Capabilities, APIKey: opts.APIKey,
	}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send register frame: %w", err)
	}

	var ack types.RegisteredFrame
	if err := c.conn.ReadJSON(&ack); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read registered ack: %w", err)
	}
	return c, nil
}

func (c *Client) send(frame any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(frame)
}

// Run reads frames until the connection closes or ctx is cancelled,
// dispatching bid_request to Bidder and task_assignment to Executor, each
// handled in its own goroutine so a slow bidder/executor never stalls the
// read loop or the heartbeat.
func (c *Client) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = c.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			close(c.closed)
			return err
		}
		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn().Err(err).Msg("malformed inbound frame")
			continue
		}

		switch env.Type {
		case types.FramePing:
			var ping types.PingFrame
			_ = json.Unmarshal(data, &ping)
			_ = c.send(types.PingFrame{Type: types.FramePong, Timestamp: time.Now().UnixMilli()})
		case types.FrameBidRequest:
			var frame types.BidRequestFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				continue
			}
			go c.handleBidRequest(ctx, frame)
		case types.FrameAssignment:
			var frame types.AssignmentFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				continue
			}
			go c.handleAssignment(ctx, frame)
		case types.FrameError:
			var frame types.ErrorFrame
			_ = json.Unmarshal(data, &frame)
			c.log.Warn().Str("code", frame.Code).Str("message", frame.Message).Msg("exchange reported protocol error")
		}
	}
}

func (c *Client) handleBidRequest(ctx context.Context, frame types.BidRequestFrame) {
	if c.opts.Bidder == nil {
		return
	}
	cctx, cancel := context.WithDeadline(ctx, time.UnixMilli(frame.Deadline))
	defer cancel()

	payload, bid := c.opts.Bidder.Bid(cctx, frame.Task, frame.Context)
	resp := types.BidResponseFrame{
		Type: types.FrameBidResponse, AuctionID: frame.AuctionID,
		AgentID: c.opts.AgentID, AgentVersion: c.opts.AgentVersion,
	}
	if bid {
		resp.Bid = payload
	}
	if err := c.send(resp); err != nil {
		c.log.Warn().Err(err).Str("auction", frame.AuctionID).Msg("send bid_response")
	}
}

func (c *Client) handleAssignment(ctx context.Context, frame types.AssignmentFrame) {
	if c.opts.Executor == nil {
		return
	}
	timeout := time.Duration(frame.Timeout) * time.Millisecond
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := c.opts.Executor.Execute(cctx, frame)
	if err := c.send(types.ResultFrame{
		Type: types.FrameResult, TaskID: frame.TaskID, AgentID: c.opts.AgentID, Result: result,
	}); err != nil {
		c.log.Warn().Err(err).Str("task", frame.TaskID).Msg("send task_result")
	}
}

// Close shuts down the underlying connection exactly once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.conn.Close() })
	return err
}

// NewCapabilities is a small convenience constructor used by reference
// agent implementations that don't need fine-grained control.
func NewCapabilities(maxConcurrent int, quickMatch, llmEvaluate bool) types.Capabilities {
	return types.Capabilities{MaxConcurrent: maxConcurrent, SupportsQuickMatch: quickMatch, SupportsLLMEvaluate: llmEvaluate}
}

// GenerateAgentID returns a fresh uuid-based agent id, for reference agents
// that don't have a stable identity of their own.
func GenerateAgentID(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}
