package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ledgermind/greenlight/internal/risk"
	"github.com/ledgermind/greenlight/internal/stream"
)

// recordingEmitter captures emitted frames for assertions.
type recordingEmitter struct {
	mu     sync.Mutex
	frames []stream.Frame
}

func (e *recordingEmitter) Emit(f stream.Frame) {
	e.mu.Lock()
	e.frames = append(e.frames, f)
	e.mu.Unlock()
}

func (e *recordingEmitter) types() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.frames))
	for i, f := range e.frames {
		out[i] = f.Type
	}
	return out
}

func (e *recordingEmitter) has(eventType string) bool {
	for _, t := range e.types() {
		if t == eventType {
			return true
		}
	}
	return false
}

func testRequest(ts int64, timeout time.Duration) Request {
	return Request{
		CorrelationID:    "sess-1",
		Timestamp:        ts,
		ToolName:         "update_doc",
		ToolInput:        map[string]any{"doctype": "Sales Invoice"},
		RiskLevel:        risk.LevelHigh,
		OperationPreview: "Update Sales Invoice INV-001",
		Reasoning:        "update on Sales Invoice is high risk, human approval required",
		Timeout:          timeout,
	}
}

func TestGateway_ApprovedResumesCaller(t *testing.T) {
	em := &recordingEmitter{}
	g := NewGateway(em, time.Minute, zap.NewNop())

	done := make(chan Resolution, 1)
	go func() {
		res, err := g.RequestApproval(context.Background(), testRequest(100, time.Minute))
		if err != nil {
			t.Error(err)
		}
		done <- res
	}()

	waitForPending(t, g, 1)
	if !g.SubmitResponse("sess-1", 100, Response{Decision: DecisionApproved, UserFeedback: "lgtm"}) {
		t.Fatal("expected submit to resolve the pending request")
	}

	res := <-done
	if !res.Approved() {
		t.Fatalf("expected approved, got %s", res.Outcome)
	}
	if res.Response.UserFeedback != "lgtm" {
		t.Fatalf("feedback lost: %+v", res)
	}
	if !em.has(stream.EventApprovalRequest) || !em.has(stream.EventApprovalApproved) {
		t.Fatalf("missing events: %v", em.types())
	}
	if g.PendingCount() != 0 {
		t.Fatal("pending entry leaked")
	}
}

func TestGateway_ExactlyOnceResolution(t *testing.T) {
	em := &recordingEmitter{}
	g := NewGateway(em, time.Minute, zap.NewNop())

	done := make(chan Resolution, 1)
	go func() {
		res, _ := g.RequestApproval(context.Background(), testRequest(200, time.Minute))
		done <- res
	}()

	waitForPending(t, g, 1)
	if !g.SubmitResponse("sess-1", 200, Response{Decision: DecisionRejected}) {
		t.Fatal("first submit should win")
	}
	if g.SubmitResponse("sess-1", 200, Response{Decision: DecisionApproved}) {
		t.Fatal("second submit must be a no-op returning false")
	}

	res := <-done
	if res.Outcome != OutcomeRejected {
		t.Fatalf("first decision must stick, got %s", res.Outcome)
	}
}

func TestGateway_TimeoutFiresAndIsExclusive(t *testing.T) {
	em := &recordingEmitter{}
	g := NewGateway(em, time.Minute, zap.NewNop())

	res, err := g.RequestApproval(context.Background(), testRequest(300, 20*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeTimedOut {
		t.Fatalf("expected timed_out, got %s", res.Outcome)
	}
	if !em.has(stream.EventApprovalTimeout) {
		t.Fatalf("missing approval_timeout: %v", em.types())
	}
	// Late submission after timeout is stale.
	if g.SubmitResponse("sess-1", 300, Response{Decision: DecisionApproved}) {
		t.Fatal("late submit must return false")
	}
}

func TestGateway_ResolutionCancelsTimer(t *testing.T) {
	em := &recordingEmitter{}
	g := NewGateway(em, time.Minute, zap.NewNop())

	done := make(chan Resolution, 1)
	go func() {
		res, _ := g.RequestApproval(context.Background(), testRequest(400, 30*time.Millisecond))
		done <- res
	}()

	waitForPending(t, g, 1)
	g.SubmitResponse("sess-1", 400, Response{Decision: DecisionApproved})
	<-done

	// Wait past the timeout window; no timeout event may appear.
	time.Sleep(60 * time.Millisecond)
	if em.has(stream.EventApprovalTimeout) {
		t.Fatalf("timer fired after resolution: %v", em.types())
	}
}

func TestGateway_ContextCancellation(t *testing.T) {
	em := &recordingEmitter{}
	g := NewGateway(em, time.Minute, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Resolution, 1)
	go func() {
		res, _ := g.RequestApproval(ctx, testRequest(500, time.Minute))
		done <- res
	}()

	waitForPending(t, g, 1)
	cancel()

	res := <-done
	if res.Outcome != OutcomeCancelled {
		t.Fatalf("expected cancelled, got %s", res.Outcome)
	}
	if !em.has(stream.EventApprovalCancelled) {
		t.Fatalf("missing approval_cancelled: %v", em.types())
	}
	if g.PendingCount() != 0 {
		t.Fatal("pending entry leaked after cancel")
	}
}

func TestGateway_CancelAllScopedToCorrelation(t *testing.T) {
	em := &recordingEmitter{}
	g := NewGateway(em, time.Minute, zap.NewNop())

	results := make(chan Resolution, 3)
	start := func(corr string, ts int64) {
		req := testRequest(ts, time.Minute)
		req.CorrelationID = corr
		go func() {
			res, _ := g.RequestApproval(context.Background(), req)
			results <- res
		}()
	}
	start("sess-1", 600)
	start("sess-1", 601)
	start("sess-2", 602)

	waitForPending(t, g, 3)
	if n := g.CancelAll("sess-1", "disconnect"); n != 2 {
		t.Fatalf("expected 2 cancelled, got %d", n)
	}
	if g.PendingCount() != 1 {
		t.Fatalf("sess-2 must remain pending, have %d", g.PendingCount())
	}

	g.SubmitResponse("sess-2", 602, Response{Decision: DecisionApproved})
	outcomes := map[Outcome]int{}
	for i := 0; i < 3; i++ {
		res := <-results
		outcomes[res.Outcome]++
	}
	if outcomes[OutcomeCancelled] != 2 || outcomes[OutcomeApproved] != 1 {
		t.Fatalf("bad outcome mix: %v", outcomes)
	}
}

func TestGateway_DuplicatePendingKeyRejected(t *testing.T) {
	em := &recordingEmitter{}
	g := NewGateway(em, time.Minute, zap.NewNop())

	go func() {
		_, _ = g.RequestApproval(context.Background(), testRequest(700, time.Minute))
	}()
	waitForPending(t, g, 1)

	if _, err := g.RequestApproval(context.Background(), testRequest(700, time.Minute)); err == nil {
		t.Fatal("expected duplicate key error")
	}

	g.SubmitResponse("sess-1", 700, Response{Decision: DecisionRejected})
}

func waitForPending(t *testing.T, g *Gateway, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for g.PendingCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d pending, have %d", n, g.PendingCount())
		}
		time.Sleep(time.Millisecond)
	}
}
