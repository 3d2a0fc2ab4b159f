// Package approval suspends risky tool invocations until a human decides.
// Each request lives in a pending map keyed by correlation id + timestamp,
// paired with a one-shot resolution channel and a timeout timer; the first
// resolver wins and tears both down atomically.
package approval

import (
	"encoding/json"
	"time"

	"github.com/ledgermind/greenlight/internal/risk"
)

// Decision is the human operator's answer.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Outcome is the terminal state of an approval exchange.
type Outcome string

const (
	OutcomeApproved  Outcome = "approved"
	OutcomeRejected  Outcome = "rejected"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeCancelled Outcome = "cancelled"
)

// Request describes one suspension awaiting a human decision.
type Request struct {
	CorrelationID    string         `json:"correlation_id"`
	Timestamp        int64          `json:"timestamp"`
	ToolName         string         `json:"tool_name"`
	ToolInput        map[string]any `json:"tool_input"`
	RiskLevel        risk.Level     `json:"risk_level"`
	OperationPreview string         `json:"operation_preview"`
	Reasoning        string         `json:"reasoning"`
	Timeout          time.Duration  `json:"-"`
}

// MarshalJSON adds the timeout in milliseconds for the wire.
func (r Request) MarshalJSON() ([]byte, error) {
	type alias Request
	return json.Marshal(struct {
		alias
		TimeoutMs int64 `json:"timeout_ms"`
	}{alias(r), r.Timeout.Milliseconds()})
}

// Response is the operator's submitted answer.
type Response struct {
	Decision     Decision `json:"decision"`
	UserFeedback string   `json:"user_feedback,omitempty"`
}

// Resolution is the terminal result delivered to the suspended caller.
type Resolution struct {
	Outcome  Outcome  `json:"outcome"`
	Response Response `json:"response"`
	Reason   string   `json:"reason,omitempty"`
}

// Approved reports whether the suspended execution may proceed.
func (r Resolution) Approved() bool {
	return r.Outcome == OutcomeApproved
}
