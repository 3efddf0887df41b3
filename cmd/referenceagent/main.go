// Command referenceagent is a minimal third-party agent built on
// agentsdk: it bids with a keyword-match heuristic and executes by
// echoing success, standing in for the richer LLM-backed agents the
// exchange is designed for. Replaces the teacher's single-process
// main.go demo with a standalone client speaking the real wire protocol.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/dataparency-dev/exchange/agentsdk"
	"github.com/dataparency-dev/exchange/types"
)

// keywordBidder offers a confidence proportional to how many of its
// configured keywords appear in the task content — the "keyword" tier of
// spec.md §4.3's three bidding tiers. A real agent would escalate to a
// cache lookup or LLM call instead of declining outright.
type keywordBidder struct {
	keywords []string
}

func (k keywordBidder) Bid(ctx context.Context, task types.Task, bidCtx types.BidRequestContext) (*types.BidPayload, bool) {
	content := strings.ToLower(task.Content)
	matches := 0
	for _, kw := range k.keywords {
		if strings.Contains(content, kw) {
			matches++
		}
	}
	if matches == 0 {
		return nil, false
	}
	confidence := float64(matches) / float64(len(k.keywords))
	if confidence > 1.0 {
		confidence = 1.0
	}
	return &types.BidPayload{
		Confidence:    confidence,
		Reasoning:     "keyword match",
		EstimatedTime: 2000,
		Tier:          types.TierKeyword,
	}, true
}

type echoExecutor struct{}

func (echoExecutor) Execute(ctx context.Context, assignment types.AssignmentFrame) types.TaskResult {
	return types.TaskResult{Success: true, Data: map[string]any{"echo": assignment.Task.Content}}
}

func main() {
	// ═══════════════════════════════════════════════════════════════
	// STEP 1: Parse flags, build a stable agent identity
	// ═══════════════════════════════════════════════════════════════
	url := flag.String("url", "ws://localhost:8080/v1/agents/connect", "exchange websocket URL")
	agentID := flag.String("id", "", "agent id (generated if empty)")
	keywords := flag.String("keywords", "report,summarize,translate", "comma-separated bid keywords")
	flag.Parse()

	log := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()

	id := *agentID
	if id == "" {
		id = agentsdk.GenerateAgentID("refagent")
	}

	// ═══════════════════════════════════════════════════════════════
	// STEP 2: Connect and register with the exchange
	// ═══════════════════════════════════════════════════════════════
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := agentsdk.Connect(ctx, *url, agentsdk.Options{
		AgentID:      id,
		AgentVersion: "1.0.0",
		Categories:   []string{"reference"},
		Capabilities: agentsdk.NewCapabilities(4, true, false),
		Bidder:       keywordBidder{keywords: strings.Split(*keywords, ",")},
		Executor:     echoExecutor{},
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("connect to exchange")
	}
	defer client.Close()

	// ═══════════════════════════════════════════════════════════════
	// STEP 3: Run until interrupted, bidding and executing as invited
	// ═══════════════════════════════════════════════════════════════
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	if err := client.Run(ctx); err != nil {
		log.Info().Err(err).Msg("session ended")
	}
}
