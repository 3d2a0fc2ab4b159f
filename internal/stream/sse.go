package stream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

const defaultSSEBuffer = 16 * 1024

// SSEWriter emits frames as text/event-stream.
type SSEWriter struct {
	mu     sync.Mutex
	writer *bufio.Writer
	w      http.ResponseWriter
}

// NewSSEWriter constructs a writer and sets the event-stream headers.
func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("X-Accel-Buffering", "no")

	return &SSEWriter{
		writer: bufio.NewWriterSize(w, defaultSSEBuffer),
		w:      w,
	}
}

// Write encodes and emits a single frame.
func (s *SSEWriter) Write(frame Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	if _, err := s.writer.WriteString("data: "); err != nil {
		return err
	}
	if _, err := s.writer.Write(payload); err != nil {
		return err
	}
	if _, err := s.writer.WriteString("\n\n"); err != nil {
		return err
	}
	return s.flushLocked()
}

// Heartbeat emits an SSE comment line to keep the connection alive.
func (s *SSEWriter) Heartbeat() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.writer.WriteString(": keepalive\n\n"); err != nil {
		return err
	}
	return s.flushLocked()
}

func (s *SSEWriter) flushLocked() error {
	if err := s.writer.Flush(); err != nil {
		return err
	}
	if flusher, ok := s.w.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}
