package storage

import "time"

// EventWriter is the interface for persisting execution audit events.
// Write() must NEVER block the caller.
type EventWriter interface {
	Write(event *ExecutionEvent)
	Close()
}

// ExecutionEvent is one audited tool execution.
type ExecutionEvent struct {
	RequestID        string
	ProjectID        string
	CorrelationID    string
	Timestamp        time.Time
	ToolName         string
	OperationType    string
	RiskLevel        string
	RequiresApproval bool
	ApprovalOutcome  string // empty when no approval ran
	Outcome          string // "ok", "blocked", "error"
	ErrorKind        string
	FromCache        bool
	DurationMs       float32
	Source           string // "tool" or "workflow"
}
