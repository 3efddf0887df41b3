// Package remoteagent implements the HTTP bid/execute/health client (C8)
// for externally hosted agents, gated by a per-target circuit breaker
// (C7). Error reporting follows engine.go's HTTP-status-driven style
// ("... failed (status %d)").
package remoteagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dataparency-dev/exchange/breaker"
	"github.com/dataparency-dev/exchange/types"
)

// ErrCircuitOpen is returned when a target's breaker refuses the call.
var ErrCircuitOpen = fmt.Errorf("remoteagent: circuit open")

// Endpoint describes one externally hosted agent.
type Endpoint struct {
	BaseURL string
	Auth    Authenticator
}

// Authenticator attaches per-agent credentials to an outbound request,
// either a static bearer token or the bencrypt-derived signature scheme in
// credentials.go.
type Authenticator interface {
	Authenticate(req *http.Request) error
}

// BearerAuth implements Authenticator with a static "Authorization: Bearer"
// header, matching the "either Authorization: Bearer <token> or
// X-API-Key: <token>" contract of spec.md §6.
type BearerAuth string

func (b BearerAuth) Authenticate(req *http.Request) error {
	req.Header.Set("Authorization", "Bearer "+string(b))
	return nil
}

// Timeouts holds the per-call default timeouts from spec.md §4.6.
type Timeouts struct {
	Bid     time.Duration
	Execute time.Duration
	Health  time.Duration
}

// DefaultTimeouts matches spec.md's stated defaults.
func DefaultTimeouts() Timeouts {
	return Timeouts{Bid: 10 * time.Second, Execute: 30 * time.Second, Health: 5 * time.Second}
}

// Client calls bid/execute/health on externally hosted agents, with every
// call gated by the target's breaker and counting a timeout as a failure.
type Client struct {
	http     *http.Client
	breakers *breaker.Registry
	timeouts Timeouts
}

// New builds a client whose breakers trip after failureThreshold
// consecutive failures and probe again after resetTimeout.
func New(timeouts Timeouts, failureThreshold int, resetTimeout time.Duration) *Client {
	return &Client{
		http:     &http.Client{},
		breakers: breaker.NewRegistry(failureThreshold, resetTimeout),
		timeouts: timeouts,
	}
}

func (c *Client) call(ctx context.Context, target, method, url string, timeout time.Duration, auth Authenticator, body any, out any) error {
	ticket, ok := c.breakers.For(target).Allow()
	if !ok {
		return ErrCircuitOpen
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			ticket.Failure()
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(cctx, method, url, reader)
	if err != nil {
		ticket.Failure()
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if auth != nil {
		if err := auth.Authenticate(req); err != nil {
			ticket.Failure()
			return fmt.Errorf("authenticate request to %s: %w", target, err)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		ticket.Failure()
		return fmt.Errorf("remote call to %s failed: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		ticket.Failure()
		return fmt.Errorf("remote call to %s failed: non-2xx status %d", target, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			ticket.Failure()
			return fmt.Errorf("decode response from %s: %w", target, err)
		}
	}
	ticket.Success()
	return nil
}

// Bid asks an externally hosted agent to bid on task, auth'd per ep.
func (c *Client) Bid(ctx context.Context, target string, ep Endpoint, auctionID string, task types.Task) (*types.BidPayload, error) {
	var out types.BidPayload
	url := ep.BaseURL + "/bid"
	req := struct {
		AuctionID string     `json:"auctionId"`
		Task      types.Task `json:"task"`
	}{auctionID, task}
	if err := c.call(ctx, target, http.MethodPost, url, c.timeouts.Bid, ep.Auth, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Execute hands a task assignment to an externally hosted agent.
func (c *Client) Execute(ctx context.Context, target string, ep Endpoint, assignment types.AssignmentFrame) (*types.TaskResult, error) {
	var out types.TaskResult
	url := ep.BaseURL + "/execute"
	if err := c.call(ctx, target, http.MethodPost, url, c.timeouts.Execute, ep.Auth, assignment, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// HealthStatus is the decoded body of GET /health.
type HealthStatus struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// Health polls an externally hosted agent's liveness endpoint.
func (c *Client) Health(ctx context.Context, target string, ep Endpoint) (*HealthStatus, error) {
	var out HealthStatus
	url := ep.BaseURL + "/health"
	if err := c.call(ctx, target, http.MethodGet, url, c.timeouts.Health, ep.Auth, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
