// Package types defines the core data structures of the task auction exchange.
// Maps directly to the broker's domain concepts: tasks, bids, agent records,
// reputation records, and the auctions that bind them together.
package types

import "time"

// TaskStatus tracks a task's position in the lifecycle graph.
type TaskStatus string

const (
	TaskPending     TaskStatus = "PENDING"
	TaskOpen        TaskStatus = "OPEN"
	TaskMatching    TaskStatus = "MATCHING"
	TaskAssigned    TaskStatus = "ASSIGNED"
	TaskSettled     TaskStatus = "SETTLED"
	TaskBusted      TaskStatus = "BUSTED"
	TaskDeadLetter  TaskStatus = "DEAD_LETTER"
	TaskCancelled   TaskStatus = "CANCELLED"
	TaskHalted      TaskStatus = "HALTED"
)

// Priority bands a task can be enqueued under.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// TaskResult is the terminal outcome of an assignment, reported by the winning agent.
type TaskResult struct {
	Success    bool              `json:"success"`
	Data       map[string]any    `json:"data,omitempty"`
	Error      string            `json:"error,omitempty"`
	DurationMs int64             `json:"duration_ms,omitempty"`
}

// Task is the unit of work submitted by a client and auctioned to agents.
type Task struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`

	Status         TaskStatus `json:"status"`
	Priority       Priority   `json:"priority"`
	AuctionAttempt int        `json:"auction_attempt"`
	CurrentAuction string     `json:"current_auction,omitempty"`

	AssignedAgent string   `json:"assigned_agent,omitempty"`
	BackupQueue   []string `json:"backup_queue,omitempty"`
	BackupIndex   int      `json:"backup_index"`

	CreatedAt       time.Time  `json:"created_at"`
	AuctionOpenedAt *time.Time `json:"auction_opened_at,omitempty"`
	AuctionClosedAt *time.Time `json:"auction_closed_at,omitempty"`
	AssignedAt      *time.Time `json:"assigned_at,omitempty"`
	TimeoutAt       *time.Time `json:"timeout_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`

	Result         *TaskResult `json:"result,omitempty"`
	PreviousErrors []string    `json:"previous_errors,omitempty"`
	Reason         string      `json:"reason,omitempty"`

	// Warnings carries advisory screening output (non-blocking); see
	// security.ScreenTask.
	Warnings []string `json:"warnings,omitempty"`
}

// NextBackup pops the next backup agent id, advancing BackupIndex. Returns
// ("", false) when the backup list is exhausted.
func (t *Task) NextBackup() (string, bool) {
	if t.BackupIndex >= len(t.BackupQueue) {
		return "", false
	}
	agent := t.BackupQueue[t.BackupIndex]
	t.BackupIndex++
	return agent, true
}

// BidTier is a bid's self-declared origin.
type BidTier string

const (
	TierKeyword BidTier = "keyword"
	TierCache   BidTier = "cache"
	TierLLM     BidTier = "llm"
)

// Bid is an agent's sealed offer to execute a task.
type Bid struct {
	AgentID       string         `json:"agent_id"`
	AgentVersion  string         `json:"agent_version"`
	Confidence    float64        `json:"confidence"`
	Reasoning     string         `json:"reasoning,omitempty"`
	EstimatedTime int64          `json:"estimated_time_ms"`
	Timestamp     time.Time      `json:"timestamp"`
	Tier          BidTier        `json:"tier"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// EvaluatedBid pairs a Bid with the reputation used to score it.
type EvaluatedBid struct {
	Bid        Bid     `json:"bid"`
	Reputation float64 `json:"reputation"`
	Score      float64 `json:"score"`
	Rank       int     `json:"rank"`
}
