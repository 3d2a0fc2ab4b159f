package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ledgermind/greenlight/internal/approval"
	"github.com/ledgermind/greenlight/internal/auth"
	"github.com/ledgermind/greenlight/internal/erp"
	"github.com/ledgermind/greenlight/internal/registry"
	"github.com/ledgermind/greenlight/internal/resilience"
	"github.com/ledgermind/greenlight/internal/stream"
	"github.com/ledgermind/greenlight/internal/workflow"
)

type ctxKey int

const requestIDKey ctxKey = iota

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

type executeRequest struct {
	Tool          string         `json:"tool"`
	Input         map[string]any `json:"input"`
	CorrelationID string         `json:"correlation_id"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request, project *auth.ProjectContext) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", "malformed JSON body", nil)
		return
	}
	if req.Tool == "" || req.CorrelationID == "" {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", "tool and correlation_id are required", nil)
		return
	}

	result, err := s.executor.Execute(r.Context(), req.Tool, req.Input, registry.CallMeta{
		RequestID:     requestID(r.Context()),
		ProjectID:     project.ProjectID,
		CorrelationID: req.CorrelationID,
	})
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request, _ *auth.ProjectContext) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"tools": s.executor.Registry().List(),
	})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, _ *auth.ProjectContext) {
	correlationID := r.URL.Query().Get("correlation_id")
	if correlationID == "" {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", "correlation_id is required", nil)
		return
	}

	frames := s.hub.Subscribe(correlationID)
	defer func() {
		s.hub.Unsubscribe(correlationID, frames)
		// A dropped stream cancels its own pending approvals only.
		if n := s.gateway.CancelAll(correlationID, "stream disconnected"); n > 0 {
			s.logger.Info("cancelled pending approvals on disconnect",
				zap.String("correlation_id", correlationID),
				zap.Int("count", n),
			)
		}
	}()

	writer := stream.NewSSEWriter(w)
	w.WriteHeader(http.StatusOK)
	if err := writer.Heartbeat(); err != nil {
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if err := writer.Write(frame); err != nil {
				return
			}
		case <-heartbeat.C:
			if err := writer.Heartbeat(); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

type approvalResponseRequest struct {
	CorrelationID string `json:"correlation_id"`
	Timestamp     int64  `json:"timestamp"`
	Decision      string `json:"decision"`
	UserFeedback  string `json:"user_feedback"`
}

func (s *Server) handleApprovalResponse(w http.ResponseWriter, r *http.Request, _ *auth.ProjectContext) {
	var req approvalResponseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", "malformed JSON body", nil)
		return
	}
	decision := approval.Decision(req.Decision)
	if decision != approval.DecisionApproved && decision != approval.DecisionRejected {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", "decision must be approved or rejected", nil)
		return
	}

	accepted := s.gateway.SubmitResponse(req.CorrelationID, req.Timestamp, approval.Response{
		Decision:     decision,
		UserFeedback: req.UserFeedback,
	})
	s.writeJSON(w, http.StatusOK, map[string]bool{"accepted": accepted})
}

type workflowExecuteRequest struct {
	GraphName     string         `json:"graph_name"`
	InitialState  map[string]any `json:"initial_state"`
	Config        map[string]any `json:"config"`
	CorrelationID string         `json:"correlation_id"`
}

func (s *Server) handleWorkflowExecute(w http.ResponseWriter, r *http.Request, _ *auth.ProjectContext) {
	var req workflowExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", "malformed JSON body", nil)
		return
	}
	if req.GraphName == "" || req.CorrelationID == "" {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", "graph_name and correlation_id are required", nil)
		return
	}

	outcome, err := s.bridge.Execute(r.Context(), req.GraphName, req.InitialState, req.Config, req.CorrelationID)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, outcome)
}

type errorEnvelope struct {
	Error   string `json:"error"`
	Kind    string `json:"kind"`
	Details any    `json:"details,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("response encode failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, kind, msg string, details any) {
	s.writeJSON(w, status, errorEnvelope{Error: msg, Kind: kind, Details: details})
}

// writeMappedError translates the error taxonomy into HTTP statuses.
// Approval outcomes are decisions the client must branch on, not server
// faults; each keeps a distinct kind so the UI can offer resume vs
// declined messaging.
func (s *Server) writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	var validation *registry.ValidationError
	if errors.As(err, &validation) {
		s.writeError(w, r, http.StatusBadRequest, "validation", validation.Error(), validation.Issues)
		return
	}

	var notFound *registry.NotFoundError
	if errors.As(err, &notFound) {
		s.writeError(w, r, http.StatusNotFound, "not_found", notFound.Error(), nil)
		return
	}
	var unknownGraph *workflow.UnknownGraphError
	if errors.As(err, &unknownGraph) {
		s.writeError(w, r, http.StatusNotFound, "not_found", unknownGraph.Error(), nil)
		return
	}

	var batch *erp.BatchSizeExceededError
	if errors.As(err, &batch) {
		s.writeError(w, r, http.StatusBadRequest, "batch_size_exceeded", batch.Error(), nil)
		return
	}

	var rejected *approval.RejectedError
	if errors.As(err, &rejected) {
		s.writeError(w, r, http.StatusForbidden, "approval_rejected", rejected.Error(), nil)
		return
	}
	var timedOut *approval.TimedOutError
	if errors.As(err, &timedOut) {
		s.writeError(w, r, http.StatusRequestTimeout, "approval_timed_out", timedOut.Error(), nil)
		return
	}
	var cancelled *approval.CancelledError
	if errors.As(err, &cancelled) {
		s.writeError(w, r, http.StatusConflict, "approval_cancelled", cancelled.Error(), nil)
		return
	}
	var aborted *workflow.ApprovalAbortedError
	if errors.As(err, &aborted) {
		s.writeError(w, r, http.StatusConflict, "workflow_approval_aborted", aborted.Error(), nil)
		return
	}

	var open *resilience.CircuitOpenError
	if errors.As(err, &open) {
		s.writeError(w, r, http.StatusServiceUnavailable, "circuit_open", open.Error(), nil)
		return
	}

	switch resilience.Classify(err).Kind {
	case resilience.KindRateLimit:
		s.writeError(w, r, http.StatusTooManyRequests, "rate_limit", err.Error(), nil)
	case resilience.KindAuthentication:
		s.writeError(w, r, http.StatusBadGateway, "upstream_authentication", err.Error(), nil)
	case resilience.KindInvalidRequest:
		s.writeError(w, r, http.StatusBadGateway, "upstream_rejected", err.Error(), nil)
	case resilience.KindTimeout:
		s.writeError(w, r, http.StatusGatewayTimeout, "timeout", err.Error(), nil)
	case resilience.KindServerError, resilience.KindNetwork:
		s.writeError(w, r, http.StatusBadGateway, "upstream_error", err.Error(), nil)
	default:
		s.logger.Error("unhandled execution error", zap.String("request_id", requestID(r.Context())), zap.Error(err))
		s.writeError(w, r, http.StatusInternalServerError, "internal", "internal error", nil)
	}
}
