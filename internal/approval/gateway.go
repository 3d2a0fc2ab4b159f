package approval

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ledgermind/greenlight/internal/stream"
)

// DefaultTimeout bounds how long a request may stay pending.
const DefaultTimeout = 5 * time.Minute

type pendingEntry struct {
	req   Request
	ch    chan Resolution // cap 1, written exactly once
	timer *time.Timer
}

// Gateway orchestrates the human-in-the-loop exchange. Safe for concurrent
// use by many sessions; all coordination is scoped to the pending key.
type Gateway struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry

	emitter        stream.Emitter
	defaultTimeout time.Duration
	logger         *zap.Logger
}

// NewGateway creates a gateway emitting events through the given emitter.
func NewGateway(emitter stream.Emitter, defaultTimeout time.Duration, logger *zap.Logger) *Gateway {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	return &Gateway{
		pending:        make(map[string]*pendingEntry),
		emitter:        emitter,
		defaultTimeout: defaultTimeout,
		logger:         logger,
	}
}

func pendingKey(correlationID string, timestamp int64) string {
	return correlationID + ":" + strconv.FormatInt(timestamp, 10)
}

// RequestApproval registers the request, emits approval_request, and
// suspends the calling goroutine until a resolution arrives. Other
// sessions are never blocked by this wait. Context cancellation (session
// disconnect) resolves the request as cancelled.
func (g *Gateway) RequestApproval(ctx context.Context, req Request) (Resolution, error) {
	if req.Timeout <= 0 {
		req.Timeout = g.defaultTimeout
	}
	if req.Timestamp == 0 {
		req.Timestamp = time.Now().UnixMilli()
	}
	key := pendingKey(req.CorrelationID, req.Timestamp)

	entry := &pendingEntry{
		req: req,
		ch:  make(chan Resolution, 1),
	}

	g.mu.Lock()
	if _, exists := g.pending[key]; exists {
		g.mu.Unlock()
		return Resolution{}, fmt.Errorf("approval: duplicate pending key %s", key)
	}
	g.pending[key] = entry
	entry.timer = time.AfterFunc(req.Timeout, func() {
		g.handleTimeout(req.CorrelationID, req.Timestamp)
	})
	g.mu.Unlock()

	g.emitter.Emit(stream.NewFrame(stream.EventApprovalRequest, req.CorrelationID, req))
	g.emitter.Emit(stream.NewFrame(stream.EventApprovalPending, req.CorrelationID, map[string]any{
		"timestamp": req.Timestamp,
		"tool_name": req.ToolName,
	}))

	g.logger.Info("approval requested",
		zap.String("correlation_id", req.CorrelationID),
		zap.Int64("timestamp", req.Timestamp),
		zap.String("tool_name", req.ToolName),
		zap.String("risk_level", string(req.RiskLevel)),
	)

	select {
	case res := <-entry.ch:
		return res, nil
	case <-ctx.Done():
		// Session went away. First resolver wins: if a response raced in
		// before the cancel, honor it.
		if g.resolve(key, Resolution{Outcome: OutcomeCancelled, Reason: "session disconnected"}) {
			g.emitter.Emit(stream.NewFrame(stream.EventApprovalCancelled, req.CorrelationID, map[string]any{
				"timestamp": req.Timestamp,
				"reason":    "session disconnected",
			}))
			return Resolution{Outcome: OutcomeCancelled, Reason: "session disconnected"}, nil
		}
		return <-entry.ch, nil
	}
}

// SubmitResponse resolves a pending request with the operator's decision.
// Returns false when the key is absent: stale or duplicate submissions are
// expected under client-side retries and are warnings, not errors.
func (g *Gateway) SubmitResponse(correlationID string, timestamp int64, resp Response) bool {
	key := pendingKey(correlationID, timestamp)

	outcome := OutcomeRejected
	event := stream.EventApprovalRejected
	if resp.Decision == DecisionApproved {
		outcome = OutcomeApproved
		event = stream.EventApprovalApproved
	}

	if !g.resolve(key, Resolution{Outcome: outcome, Response: resp}) {
		g.logger.Warn("approval response for unknown or already-resolved request",
			zap.String("correlation_id", correlationID),
			zap.Int64("timestamp", timestamp),
		)
		return false
	}

	g.emitter.Emit(stream.NewFrame(event, correlationID, map[string]any{
		"timestamp":     timestamp,
		"decision":      resp.Decision,
		"user_feedback": resp.UserFeedback,
	}))
	return true
}

// Cancel resolves a pending request as cancelled.
func (g *Gateway) Cancel(correlationID string, timestamp int64, reason string) bool {
	key := pendingKey(correlationID, timestamp)
	if !g.resolve(key, Resolution{Outcome: OutcomeCancelled, Reason: reason}) {
		return false
	}
	g.emitter.Emit(stream.NewFrame(stream.EventApprovalCancelled, correlationID, map[string]any{
		"timestamp": timestamp,
		"reason":    reason,
	}))
	return true
}

// CancelAll cancels every pending request for a correlation id. Used on
// session disconnect so no suspension outlives its stream.
func (g *Gateway) CancelAll(correlationID string, reason string) int {
	g.mu.Lock()
	var stamps []int64
	for _, entry := range g.pending {
		if entry.req.CorrelationID == correlationID {
			stamps = append(stamps, entry.req.Timestamp)
		}
	}
	g.mu.Unlock()

	cancelled := 0
	for _, ts := range stamps {
		if g.Cancel(correlationID, ts, reason) {
			cancelled++
		}
	}
	return cancelled
}

// PendingCount reports the number of live suspensions.
func (g *Gateway) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

func (g *Gateway) handleTimeout(correlationID string, timestamp int64) {
	key := pendingKey(correlationID, timestamp)
	if !g.resolve(key, Resolution{Outcome: OutcomeTimedOut, Reason: "no response within timeout"}) {
		return
	}
	g.emitter.Emit(stream.NewFrame(stream.EventApprovalTimeout, correlationID, map[string]any{
		"timestamp": timestamp,
	}))
	g.logger.Info("approval timed out",
		zap.String("correlation_id", correlationID),
		zap.Int64("timestamp", timestamp),
	)
}

// resolve removes the entry and stops its timer under the lock, then
// delivers the resolution. Exactly-once: a second resolver finds no entry
// and returns false.
func (g *Gateway) resolve(key string, res Resolution) bool {
	g.mu.Lock()
	entry, ok := g.pending[key]
	if !ok {
		g.mu.Unlock()
		return false
	}
	delete(g.pending, key)
	entry.timer.Stop()
	g.mu.Unlock()

	entry.ch <- res
	return true
}
