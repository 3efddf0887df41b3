package types

// FrameType discriminates agent-session wire frames (§6).
type FrameType string

const (
	FrameRegister      FrameType = "register"
	FrameRegistered    FrameType = "registered"
	FrameBidRequest    FrameType = "bid_request"
	FrameBidResponse   FrameType = "bid_response"
	FrameAssignment    FrameType = "task_assignment"
	FrameResult        FrameType = "task_result"
	FramePing          FrameType = "ping"
	FramePong          FrameType = "pong"
	FrameError         FrameType = "error"
)

// RegisterFrame is sent agent→broker to open a session.
type RegisterFrame struct {
	Type            FrameType    `json:"type"`
	ProtocolVersion string       `json:"protocolVersion"`
	AgentID         string       `json:"agentId"`
	AgentVersion    string       `json:"agentVersion"`
	Categories      []string     `json:"categories,omitempty"`
	Capabilities    Capabilities `json:"capabilities"`
	APIKey          string       `json:"apiKey,omitempty"`
}

// RegisteredConfig carries post-registration runtime parameters.
type RegisteredConfig struct {
	HeartbeatIntervalMs int64 `json:"heartbeatIntervalMs"`
	DefaultTimeoutMs    int64 `json:"defaultTimeoutMs"`
}

// RegisteredFrame acks a RegisterFrame, broker→agent.
type RegisteredFrame struct {
	Type            FrameType        `json:"type"`
	ProtocolVersion string           `json:"protocolVersion"`
	AgentID         string           `json:"agentId"`
	Config          RegisteredConfig `json:"config"`
}

// BidRequestContext is forwarded verbatim to agents for their own bidding logic.
type BidRequestContext struct {
	QueueDepth            int      `json:"queueDepth"`
	ConversationHistory    []string `json:"conversationHistory,omitempty"`
	ParticipatingAgents   []string `json:"participatingAgents,omitempty"`
}

// BidRequestFrame invites one agent into a live auction, broker→agent.
type BidRequestFrame struct {
	Type      FrameType         `json:"type"`
	AuctionID string            `json:"auctionId"`
	Task      Task              `json:"task"`
	Context   BidRequestContext `json:"context"`
	Deadline  int64             `json:"deadline"` // unix millis
}

// BidPayload is the offer body of a bid_response; nil means a formal decline.
type BidPayload struct {
	Confidence    float64        `json:"confidence"`
	Reasoning     string         `json:"reasoning,omitempty"`
	EstimatedTime int64          `json:"estimatedTimeMs"`
	Tier          BidTier        `json:"tier"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// BidResponseFrame is an agent's sealed bid, agent→broker.
type BidResponseFrame struct {
	Type         FrameType   `json:"type"`
	AuctionID    string      `json:"auctionId"`
	AgentID      string      `json:"agentId"`
	AgentVersion string      `json:"agentVersion"`
	Bid          *BidPayload `json:"bid"`
}

// AssignmentFrame delivers a winning (or backup) assignment, broker→agent.
type AssignmentFrame struct {
	Type           FrameType `json:"type"`
	TaskID         string    `json:"taskId"`
	Task           Task      `json:"task"`
	IsBackup       bool      `json:"isBackup"`
	BackupIndex    int       `json:"backupIndex"`
	Timeout        int64     `json:"timeout"`
	PreviousErrors []string  `json:"previousErrors,omitempty"`
}

// ResultFrame reports an assignment's outcome, agent→broker.
type ResultFrame struct {
	Type    FrameType  `json:"type"`
	TaskID  string     `json:"taskId"`
	AgentID string     `json:"agentId"`
	Result  TaskResult `json:"result"`
}

// PingFrame carries a millisecond timestamp either direction; it is used for
// both ping and pong frames, distinguished by Type.
type PingFrame struct {
	Type      FrameType `json:"type"`
	Timestamp int64     `json:"timestamp"`
}

// ErrorFrame reports a protocol-level error, broker→agent.
type ErrorFrame struct {
	Type    FrameType      `json:"type"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Envelope is the minimal shape used to sniff a frame's Type before full
// decode, mirroring the teacher's pattern of checking a discriminant field
// before unmarshaling the full payload.
type Envelope struct {
	Type FrameType `json:"type"`
}
