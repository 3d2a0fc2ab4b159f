// Package workflow invokes externally-defined deterministic workflows and
// relays their approval checkpoints through the same approval gateway the
// direct tool path uses, so the front end sees one approval protocol.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/ledgermind/greenlight/internal/approval"
	"github.com/ledgermind/greenlight/internal/config"
	"github.com/ledgermind/greenlight/internal/resilience"
	"github.com/ledgermind/greenlight/internal/risk"
)

// UnknownGraphError fails fast on a typo before any network round trip.
type UnknownGraphError struct {
	Graph string
}

func (e *UnknownGraphError) Error() string {
	return fmt.Sprintf("unknown workflow graph %q", e.Graph)
}

// ApprovalAbortedError reports a workflow stopped by a non-approved
// checkpoint decision.
type ApprovalAbortedError struct {
	Graph      string
	Checkpoint string
	Outcome    approval.Outcome
}

func (e *ApprovalAbortedError) Error() string {
	return fmt.Sprintf("workflow %s aborted at checkpoint %s: approval %s", e.Graph, e.Checkpoint, e.Outcome)
}

// Checkpoint is a step boundary recorded by the remote workflow.
type Checkpoint struct {
	ID   string `json:"id"`
	Step string `json:"step"`
}

// Outcome is the terminal result of a workflow run.
type Outcome struct {
	FinalState     map[string]any `json:"final_state"`
	StepsCompleted int            `json:"steps_completed"`
	Checkpoints    []Checkpoint   `json:"checkpoints"`
}

// pendingApproval is the remote's request to pause for a human decision.
type pendingApproval struct {
	CheckpointID string `json:"checkpoint_id"`
	Step         string `json:"step"`
	Preview      string `json:"preview"`
	RiskLevel    string `json:"risk_level"`
}

type executeResponse struct {
	FinalState      json.RawMessage  `json:"final_state"`
	StepsCompleted  int              `json:"steps_completed"`
	Checkpoints     []Checkpoint     `json:"checkpoints"`
	PendingApproval *pendingApproval `json:"pending_approval,omitempty"`
}

// Bridge executes remote workflow graphs.
type Bridge struct {
	cfg     config.Workflow
	graphs  map[string]bool
	http    *http.Client
	breaker *resilience.Breaker
	retry   resilience.RetryConfig
	gateway *approval.Gateway
	logger  *zap.Logger
}

// NewBridge builds a bridge for the configured graph names.
func NewBridge(cfg config.Workflow, retryCfg resilience.RetryConfig, breaker *resilience.Breaker, gateway *approval.Gateway, logger *zap.Logger) *Bridge {
	graphs := make(map[string]bool, len(cfg.Graphs))
	for _, g := range cfg.Graphs {
		graphs[g] = true
	}
	if cfg.MaxApprovalRounds <= 0 {
		cfg.MaxApprovalRounds = 8
	}
	return &Bridge{
		cfg:     cfg,
		graphs:  graphs,
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		breaker: breaker,
		retry:   retryCfg,
		gateway: gateway,
		logger:  logger,
	}
}

type executeRequest struct {
	GraphName        string         `json:"graph_name"`
	InitialState     map[string]any `json:"initial_state,omitempty"`
	Config           map[string]any `json:"config,omitempty"`
	ResumeCheckpoint string         `json:"resume_checkpoint,omitempty"`
	Decision         string         `json:"decision,omitempty"`
	UserFeedback     string         `json:"user_feedback,omitempty"`
}

// Execute runs the graph to completion, relaying every approval checkpoint
// through the gateway and resuming the remote on approval. The loop is
// bounded by MaxApprovalRounds so a misbehaving remote cannot suspend the
// session forever.
func (b *Bridge) Execute(ctx context.Context, graphName string, initialState, cfg map[string]any, correlationID string) (Outcome, error) {
	if !b.graphs[graphName] {
		return Outcome{}, &UnknownGraphError{Graph: graphName}
	}

	req := executeRequest{GraphName: graphName, InitialState: initialState, Config: cfg}

	for round := 0; round <= b.cfg.MaxApprovalRounds; round++ {
		resp, err := b.post(ctx, req)
		if err != nil {
			return Outcome{}, err
		}

		if resp.PendingApproval == nil {
			return toOutcome(resp)
		}

		pending := resp.PendingApproval
		b.logger.Info("workflow paused for approval",
			zap.String("graph", graphName),
			zap.String("checkpoint", pending.CheckpointID),
			zap.String("step", pending.Step),
		)

		res, err := b.gateway.RequestApproval(ctx, approval.Request{
			CorrelationID:    correlationID,
			ToolName:         "workflow:" + graphName,
			ToolInput:        map[string]any{"checkpoint_id": pending.CheckpointID, "step": pending.Step},
			RiskLevel:        risk.Level(pending.RiskLevel),
			OperationPreview: pending.Preview,
			Reasoning:        fmt.Sprintf("workflow %s requests approval at step %s", graphName, pending.Step),
		})
		if err != nil {
			return Outcome{}, err
		}
		if !res.Approved() {
			return Outcome{}, &ApprovalAbortedError{
				Graph:      graphName,
				Checkpoint: pending.CheckpointID,
				Outcome:    res.Outcome,
			}
		}

		req = executeRequest{
			GraphName:        graphName,
			ResumeCheckpoint: pending.CheckpointID,
			Decision:         string(res.Response.Decision),
			UserFeedback:     res.Response.UserFeedback,
		}
	}

	return Outcome{}, fmt.Errorf("workflow %s exceeded %d approval rounds", graphName, b.cfg.MaxApprovalRounds)
}

func (b *Bridge) post(ctx context.Context, req executeRequest) (*executeResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("workflow: encode request: %w", err)
	}

	var out *executeResponse
	err = resilience.Retry(ctx, b.retry, func(ctx context.Context) error {
		return b.breaker.Do(ctx, func(ctx context.Context) error {
			var attemptErr error
			out, attemptErr = b.roundTrip(ctx, payload)
			return attemptErr
		})
	})
	return out, err
}

func (b *Bridge) roundTrip(ctx context.Context, payload []byte) (*executeResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BaseURL+"/execute", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("workflow: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("workflow: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resilience.NewHTTPError(resp.StatusCode, string(raw), resp.Header)
	}

	var out executeResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("workflow: decode response: %w", err)
	}
	return &out, nil
}

func toOutcome(resp *executeResponse) (Outcome, error) {
	out := Outcome{
		StepsCompleted: resp.StepsCompleted,
		Checkpoints:    resp.Checkpoints,
	}
	if len(resp.FinalState) > 0 {
		if err := json.Unmarshal(resp.FinalState, &out.FinalState); err != nil {
			return Outcome{}, fmt.Errorf("workflow: decode final state: %w", err)
		}
	}
	return out, nil
}

// KnownGraph lets the HTTP surface pre-validate requests.
func (b *Bridge) KnownGraph(name string) bool { return b.graphs[name] }
