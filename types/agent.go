package types

import "time"

// Capabilities declares what an agent's session can do, echoed from register.
type Capabilities struct {
	MaxConcurrent       int  `json:"max_concurrent"`
	SupportsQuickMatch  bool `json:"quick_match"`
	SupportsLLMEvaluate bool `json:"llm_evaluate"`
}

// AgentRecord is the registry's exclusive view of a connected agent.
// Categories are carried as context only (see SPEC_FULL.md open question 1) —
// no code path filters invitees by category.
type AgentRecord struct {
	ID           string       `json:"id"`
	Version      string       `json:"version"`
	Categories   []string     `json:"categories,omitempty"`
	Capabilities Capabilities `json:"capabilities"`

	ConnectedAt    time.Time `json:"connected_at"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
	Healthy        bool      `json:"healthy"`
	CurrentTasks   int       `json:"current_tasks"`
}

// CanAcceptTask reports whether the agent has spare concurrency and is healthy.
func (a *AgentRecord) CanAcceptTask() bool {
	return a.Healthy && a.CurrentTasks < a.Capabilities.MaxConcurrent
}

// ReputationRecord is the per-(agentId, version) durable score.
type ReputationRecord struct {
	AgentID       string  `json:"agent_id"`
	Version       string  `json:"version"`
	Score         float64 `json:"score"`
	TotalTasks    int     `json:"total_tasks"`
	SuccessCount  int     `json:"success_count"`
	FailCount     int     `json:"fail_count"`
	TimeoutCount  int     `json:"timeout_count"`

	ConservativeWins int `json:"conservative_wins"`

	VersionResetAt       *time.Time `json:"version_reset_at,omitempty"`
	PreviousVersionScore float64    `json:"previous_version_score,omitempty"`

	FlaggedForReview bool   `json:"flagged_for_review"`
	FlagReason       string `json:"flag_reason,omitempty"`

	LastUpdated time.Time  `json:"last_updated"`
	LastDecayAt *time.Time `json:"last_decay_at,omitempty"`
}

// ReputationSummary is a lightweight export for observability/admin views.
type ReputationSummary struct {
	TotalAgents   int     `json:"total_agents"`
	FlaggedAgents int     `json:"flagged_agents"`
	AverageScore  float64 `json:"average_score"`
}
