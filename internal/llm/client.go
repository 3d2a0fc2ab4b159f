// Package llm is the chat-completions client used by summarization tools.
// Provider identity and model selection are configuration; the gateway
// never branches on them.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/ledgermind/greenlight/internal/config"
	"github.com/ledgermind/greenlight/internal/resilience"
)

// Message is one turn of a chat exchange.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a chat-completion request. Model defaults from config when
// empty.
type Request struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

// Response is the trimmed provider reply.
type Response struct {
	Content string `json:"content"`
	Model   string `json:"model"`
}

// Client produces chat completions.
type Client interface {
	Chat(ctx context.Context, req Request) (*Response, error)
}

// HTTPClient reaches a chat-completions endpoint behind the resilience
// layer (its own breaker, never shared with the ERP's).
type HTTPClient struct {
	cfg     config.LLM
	http    *http.Client
	breaker *resilience.Breaker
	retry   resilience.RetryConfig
	logger  *zap.Logger
}

// NewHTTPClient builds the client.
func NewHTTPClient(cfg config.LLM, retryCfg resilience.RetryConfig, breaker *resilience.Breaker, logger *zap.Logger) *HTTPClient {
	return &HTTPClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		breaker: breaker,
		retry:   retryCfg,
		logger:  logger,
	}
}

type wireResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

// Chat posts the request and returns the first choice.
func (c *HTTPClient) Chat(ctx context.Context, req Request) (*Response, error) {
	if req.Model == "" {
		req.Model = c.cfg.Model
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("llm: encode request: %w", err)
	}

	var out *Response
	err = resilience.Retry(ctx, c.retry, func(ctx context.Context) error {
		return c.breaker.Do(ctx, func(ctx context.Context) error {
			var attemptErr error
			out, attemptErr = c.roundTrip(ctx, payload)
			return attemptErr
		})
	})
	return out, err
}

func (c *HTTPClient) roundTrip(ctx context.Context, payload []byte) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("llm: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("llm: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resilience.NewHTTPError(resp.StatusCode, string(raw), resp.Header)
	}

	var wire wireResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("llm: decode response: %w", err)
	}
	if len(wire.Choices) == 0 {
		return nil, errors.New("llm: response has no choices")
	}
	return &Response{Content: wire.Choices[0].Message.Content, Model: wire.Model}, nil
}
