package registry

import (
	"context"

	"github.com/ledgermind/greenlight/internal/approval"
	"github.com/ledgermind/greenlight/internal/risk"
)

// Tool definition sources.
const (
	SourceStatic     = "static"
	SourceDiscovered = "discovered"
)

// CallMeta identifies the caller of a tool execution.
type CallMeta struct {
	RequestID     string
	ProjectID     string
	CorrelationID string
}

// Handler is the single required entry point of every tool. No optional
// method probing: streaming is an event-level concern, not a handler one.
type Handler func(ctx context.Context, input map[string]any, meta CallMeta) (any, error)

// ToolDefinition is immutable once registered. Re-registration replaces
// the map entry wholesale.
type ToolDefinition struct {
	Name             string
	Description      string
	InputSchema      map[string]any // JSON Schema, nil means any input
	Handler          Handler
	RequiresApproval bool
	AlwaysApprove    bool // irreversible/clinical category, approval regardless of other factors
	OperationType    risk.OperationType
	Industry         string
	Source           string
}

// ToolResult is the outcome of one execution.
type ToolResult struct {
	ToolName        string           `json:"tool_name"`
	Data            any              `json:"data"`
	FromCache       bool             `json:"from_cache"`
	RiskLevel       risk.Level       `json:"risk_level"`
	ApprovalOutcome approval.Outcome `json:"approval_outcome,omitempty"`
	DurationMs      float32          `json:"duration_ms"`
}

// operationTypeFor maps a stored operation type to the classifier's,
// defaulting unknown values to update (the conservative mutation).
func operationTypeFor(s string) risk.OperationType {
	if operationTypes[s] {
		return risk.OperationType(s)
	}
	return risk.OpUpdate
}

// DefinitionView is the approval-relevant summary served by the listing
// endpoint; handlers are not serializable.
type DefinitionView struct {
	Name             string         `json:"name"`
	Description      string         `json:"description"`
	InputSchema      map[string]any `json:"input_schema,omitempty"`
	OperationType    string         `json:"operation_type"`
	RequiresApproval bool           `json:"requires_approval"`
	AlwaysApprove    bool           `json:"always_approve"`
	Industry         string         `json:"industry,omitempty"`
	Source           string         `json:"source"`
}
