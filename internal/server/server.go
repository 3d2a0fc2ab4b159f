// Package server is the HTTP surface of the gateway: tool execution,
// the SSE event stream, approval responses, and workflow runs.
package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ledgermind/greenlight/internal/approval"
	"github.com/ledgermind/greenlight/internal/auth"
	"github.com/ledgermind/greenlight/internal/registry"
	"github.com/ledgermind/greenlight/internal/stream"
	"github.com/ledgermind/greenlight/internal/workflow"
)

const heartbeatInterval = 15 * time.Second

// Server handles the gateway's HTTP endpoints.
type Server struct {
	executor *registry.Executor
	bridge   *workflow.Bridge
	gateway  *approval.Gateway
	hub      *stream.Hub
	auth     auth.Authenticator
	logger   *zap.Logger
}

// New wires the HTTP surface.
func New(executor *registry.Executor, bridge *workflow.Bridge, gateway *approval.Gateway, hub *stream.Hub, authenticator auth.Authenticator, logger *zap.Logger) *Server {
	return &Server{
		executor: executor,
		bridge:   bridge,
		gateway:  gateway,
		hub:      hub,
		auth:     authenticator,
		logger:   logger,
	}
}

// Routes returns the handler with all endpoints mounted.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /v1/tools/execute", s.authed(s.handleExecute))
	mux.HandleFunc("GET /v1/tools", s.authed(s.handleListTools))
	mux.HandleFunc("GET /v1/stream", s.authed(s.handleStream))
	mux.HandleFunc("POST /v1/approvals/respond", s.authed(s.handleApprovalResponse))
	mux.HandleFunc("POST /v1/workflows/execute", s.authed(s.handleWorkflowExecute))
	return s.logged(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type authedHandler func(w http.ResponseWriter, r *http.Request, project *auth.ProjectContext)

// authed authenticates the request and threads the project context.
func (s *Server) authed(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		project, err := s.auth.Authenticate(r)
		if err != nil {
			s.writeError(w, r, http.StatusUnauthorized, "unauthenticated", "missing or invalid API key", nil)
			return
		}
		next(w, r, project)
	}
}

// logged assigns a request id and logs each request on completion.
func (s *Server) logged(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.NewString()
		r = r.WithContext(withRequestID(r.Context(), requestID))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		s.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the underlying writer so SSE works through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
