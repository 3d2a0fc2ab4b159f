// Package stream carries gateway events to the front end. The Hub fans
// frames out to per-correlation subscribers; the SSE writer is the wire
// encoding used by the HTTP surface.
package stream

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types produced by the gateway.
const (
	EventApprovalRequest   = "approval_request"
	EventApprovalPending   = "approval_pending"
	EventApprovalApproved  = "approval_approved"
	EventApprovalRejected  = "approval_rejected"
	EventApprovalTimeout   = "approval_timeout"
	EventApprovalCancelled = "approval_cancelled"
	EventToolBlocked       = "tool_blocked"
	EventToolProceeding    = "tool_proceeding"
)

// Frame is the JSON envelope every event travels in.
type Frame struct {
	Type          string          `json:"type"`
	Data          json.RawMessage `json:"data"`
	Timestamp     int64           `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
}

// Emitter publishes frames toward the front end. Implementations must not
// block the caller.
type Emitter interface {
	Emit(frame Frame)
}

// NewFrame builds a frame with the current wall clock, marshalling data
// to JSON. A payload that fails to marshal becomes a null data field
// rather than a dropped event.
func NewFrame(eventType, correlationID string, data any) Frame {
	raw, err := json.Marshal(data)
	if err != nil {
		raw = []byte("null")
	}
	return Frame{
		Type:          eventType,
		Data:          raw,
		Timestamp:     time.Now().UnixMilli(),
		CorrelationID: correlationID,
	}
}

const subscriberBuffer = 64

// Hub routes frames to subscribers keyed by correlation id. Slow
// subscribers have frames dropped rather than blocking the publisher.
type Hub struct {
	mu   sync.Mutex
	subs map[string][]chan Frame
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string][]chan Frame)}
}

// Subscribe returns a channel receiving all frames for the correlation id.
// The caller must Unsubscribe the channel when done.
func (h *Hub) Subscribe(correlationID string) <-chan Frame {
	ch := make(chan Frame, subscriberBuffer)
	h.mu.Lock()
	h.subs[correlationID] = append(h.subs[correlationID], ch)
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes a previously subscribed channel and closes it.
func (h *Hub) Unsubscribe(correlationID string, ch <-chan Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subs[correlationID]
	for i, sub := range subs {
		if sub == ch {
			h.subs[correlationID] = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}
	if len(h.subs[correlationID]) == 0 {
		delete(h.subs, correlationID)
	}
}

// Emit delivers the frame to every subscriber of its correlation id.
func (h *Hub) Emit(frame Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.subs[frame.CorrelationID] {
		select {
		case ch <- frame:
		default:
			// Subscriber not keeping up, drop the frame.
		}
	}
}

// SubscriberCount reports the live subscribers for a correlation id.
func (h *Hub) SubscriberCount(correlationID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[correlationID])
}
