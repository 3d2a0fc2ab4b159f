package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ledgermind/greenlight/internal/approval"
	"github.com/ledgermind/greenlight/internal/resilience"
	"github.com/ledgermind/greenlight/internal/risk"
	"github.com/ledgermind/greenlight/internal/storage"
	"github.com/ledgermind/greenlight/internal/stream"
)

// Executor runs tool invocations end to end. It owns the control flow of
// the gateway: resolve, validate, classify, suspend for approval when the
// risk demands it, then invoke the handler.
type Executor struct {
	registry *Registry
	gateway  *approval.Gateway
	emitter  stream.Emitter
	audit    storage.EventWriter
	logger   *zap.Logger
}

// NewExecutor wires the orchestration dependencies.
func NewExecutor(registry *Registry, gateway *approval.Gateway, emitter stream.Emitter, audit storage.EventWriter, logger *zap.Logger) *Executor {
	return &Executor{
		registry: registry,
		gateway:  gateway,
		emitter:  emitter,
		audit:    audit,
		logger:   logger,
	}
}

// Registry exposes the underlying tool map for the HTTP surface.
func (x *Executor) Registry() *Registry { return x.registry }

// Execute runs one tool invocation. Approval outcomes other than approved
// return terminal errors the caller must branch on; they are decisions,
// not faults.
func (x *Executor) Execute(ctx context.Context, name string, input map[string]any, meta CallMeta) (ToolResult, error) {
	start := time.Now()

	e, err := x.registry.resolveEntry(name)
	if err != nil {
		return ToolResult{}, err
	}
	def := e.def

	if err := x.registry.validate(e, input); err != nil {
		x.writeAudit(def, meta, risk.Assessment{}, "", "error", "invalid_request", false, start)
		return ToolResult{}, err
	}

	assessment := risk.Classify(riskInputFor(def, input))

	result := ToolResult{ToolName: def.Name, RiskLevel: assessment.Level}

	if assessment.RequiresApproval || def.RequiresApproval {
		res, err := x.gateway.RequestApproval(ctx, approval.Request{
			CorrelationID:    meta.CorrelationID,
			Timestamp:        time.Now().UnixMilli(),
			ToolName:         def.Name,
			ToolInput:        input,
			RiskLevel:        assessment.Level,
			OperationPreview: operationPreview(def, input),
			Reasoning:        assessment.Reasoning,
		})
		if err != nil {
			x.writeAudit(def, meta, assessment, "", "error", "approval_gateway", false, start)
			return ToolResult{}, err
		}
		result.ApprovalOutcome = res.Outcome

		if !res.Approved() {
			x.emitter.Emit(stream.NewFrame(stream.EventToolBlocked, meta.CorrelationID, map[string]any{
				"tool_name": def.Name,
				"outcome":   res.Outcome,
				"reason":    blockedReason(res),
			}))
			x.writeAudit(def, meta, assessment, res.Outcome, "blocked", "", false, start)
			x.logger.Info("tool blocked",
				zap.String("tool_name", def.Name),
				zap.String("caller_id", meta.ProjectID),
				zap.String("risk_level", string(assessment.Level)),
				zap.String("outcome", string(res.Outcome)),
			)
			return result, approval.ErrorFor(res)
		}

		x.emitter.Emit(stream.NewFrame(stream.EventToolProceeding, meta.CorrelationID, map[string]any{
			"tool_name": def.Name,
			"outcome":   res.Outcome,
		}))
	}

	data, err := def.Handler(ctx, input, meta)
	result.DurationMs = float32(time.Since(start).Milliseconds())
	if err != nil {
		x.writeAudit(def, meta, assessment, result.ApprovalOutcome, "error", string(resilience.Classify(err).Kind), false, start)
		return result, fmt.Errorf("tool %s: %w", def.Name, err)
	}

	result.Data, result.FromCache = unwrapResult(data)
	x.writeAudit(def, meta, assessment, result.ApprovalOutcome, "ok", "", result.FromCache, start)
	x.logger.Info("tool executed",
		zap.String("tool_name", def.Name),
		zap.String("caller_id", meta.ProjectID),
		zap.String("risk_level", string(assessment.Level)),
		zap.Bool("from_cache", result.FromCache),
		zap.Float32("duration_ms", result.DurationMs),
	)
	return result, nil
}

// CacheTagged lets handlers report cache-served results through the
// generic any return.
type CacheTagged interface {
	CacheHit() bool
}

func unwrapResult(data any) (any, bool) {
	if tagged, ok := data.(CacheTagged); ok {
		return data, tagged.CacheHit()
	}
	return data, false
}

func blockedReason(res approval.Resolution) string {
	switch res.Outcome {
	case approval.OutcomeRejected:
		if res.Response.UserFeedback != "" {
			return "declined by operator: " + res.Response.UserFeedback
		}
		return "declined by operator"
	case approval.OutcomeTimedOut:
		return "no operator response before the deadline"
	case approval.OutcomeCancelled:
		if res.Reason != "" {
			return "cancelled: " + res.Reason
		}
		return "cancelled"
	}
	return string(res.Outcome)
}

func (x *Executor) writeAudit(def ToolDefinition, meta CallMeta, assessment risk.Assessment, approvalOutcome approval.Outcome, outcome, errorKind string, fromCache bool, start time.Time) {
	x.audit.Write(&storage.ExecutionEvent{
		RequestID:        meta.RequestID,
		ProjectID:        meta.ProjectID,
		CorrelationID:    meta.CorrelationID,
		Timestamp:        start,
		ToolName:         def.Name,
		OperationType:    string(def.OperationType),
		RiskLevel:        string(assessment.Level),
		RequiresApproval: assessment.RequiresApproval || def.RequiresApproval,
		ApprovalOutcome:  string(approvalOutcome),
		Outcome:          outcome,
		ErrorKind:        errorKind,
		FromCache:        fromCache,
		DurationMs:       float32(time.Since(start).Milliseconds()),
		Source:           "tool",
	})
}

// riskInputFor derives the classifier's factors from the tool definition
// and the concrete invocation input.
func riskInputFor(def ToolDefinition, input map[string]any) risk.Input {
	in := risk.Input{
		OperationType: def.OperationType,
		AlwaysApprove: def.AlwaysApprove,
		Payload:       input,
		BatchSize:     1,
	}

	if doctype, ok := input["doctype"].(string); ok {
		in.TargetEntity = doctype
	} else if report, ok := input["report_name"].(string); ok {
		in.TargetEntity = report
	}

	if state, ok := input["document_state"].(string); ok {
		in.DocumentState = risk.DocumentState(state)
	}

	for _, field := range []string{"doc", "patch", "values"} {
		if m, ok := input[field].(map[string]any); ok {
			in.FieldsTouched = append(in.FieldsTouched, sortedKeys(m)...)
		}
	}

	if items, ok := input["items"].([]any); ok {
		in.BatchSize = len(items)
		for _, item := range items {
			if m, ok := item.(map[string]any); ok {
				if patch, ok := m["patch"].(map[string]any); ok {
					in.FieldsTouched = append(in.FieldsTouched, sortedKeys(patch)...)
				}
			}
		}
	} else if names, ok := input["names"].([]any); ok {
		in.BatchSize = len(names)
	}

	return in
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func operationPreview(def ToolDefinition, input map[string]any) string {
	target := "document"
	if doctype, ok := input["doctype"].(string); ok {
		target = doctype
	}
	name, _ := input["name"].(string)

	switch def.OperationType {
	case risk.OpRead:
		return fmt.Sprintf("Read %s", target)
	case risk.OpCreate:
		return fmt.Sprintf("Create a new %s", target)
	case risk.OpUpdate:
		if name != "" {
			return fmt.Sprintf("Update %s %s", target, name)
		}
		return fmt.Sprintf("Update %s", target)
	case risk.OpDelete:
		return fmt.Sprintf("Delete %s %s", target, name)
	case risk.OpSubmit:
		return fmt.Sprintf("Submit %s %s", target, name)
	case risk.OpCancel:
		return fmt.Sprintf("Cancel %s %s", target, name)
	case risk.OpBulk:
		n := 0
		if items, ok := input["items"].([]any); ok {
			n = len(items)
		}
		return fmt.Sprintf("Bulk update %d %s documents", n, target)
	}
	return fmt.Sprintf("%s on %s", def.OperationType, target)
}

// Terminal approval outcomes are decisions, not faults. IsApprovalOutcome
// reports whether an execution error is one of them.
func IsApprovalOutcome(err error) bool {
	var rejected *approval.RejectedError
	var timedOut *approval.TimedOutError
	var cancelled *approval.CancelledError
	return errors.As(err, &rejected) || errors.As(err, &timedOut) || errors.As(err, &cancelled)
}
