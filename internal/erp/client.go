// Package erp is the authenticated client for the ERP REST API. It owns
// the per-credential rate limiter and the idempotency cache for writes;
// the gateway never issues raw ERP queries.
package erp

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ledgermind/greenlight/internal/config"
	"github.com/ledgermind/greenlight/internal/idempotency"
	"github.com/ledgermind/greenlight/internal/resilience"
)

// Client talks to one ERP instance with one credential. The rate limiter
// is scoped to the client, not the process; two clients never contend.
type Client struct {
	baseURL   string
	apiKey    string
	apiSecret string
	maxBatch  int

	http    *http.Client
	limiter *rate.Limiter
	breaker *resilience.Breaker
	retry   resilience.RetryConfig
	idem    idempotency.Store
	logger  *zap.Logger
}

// NewClient builds a client from configuration plus injected collaborators.
func NewClient(cfg config.ERP, retryCfg resilience.RetryConfig, breaker *resilience.Breaker, idem idempotency.Store, logger *zap.Logger) *Client {
	maxBatch := cfg.MaxBatch
	if maxBatch <= 0 {
		maxBatch = 50
	}
	return &Client{
		baseURL:   cfg.BaseURL,
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		maxBatch:  maxBatch,
		http: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst),
		breaker: breaker,
		retry:   retryCfg,
		idem:    idem,
		logger:  logger,
	}
}

// WriteOptions carries the optional caller-supplied idempotency key.
type WriteOptions struct {
	IdempotencyKey string
}

// MaxBatch is the bulk ceiling enforced client-side.
func (c *Client) MaxBatch() int { return c.maxBatch }

// SearchDocs lists documents of a doctype matching the filters.
func (c *Client) SearchDocs(ctx context.Context, doctype string, filters map[string]any, limit int) (Result, error) {
	q := url.Values{}
	if len(filters) > 0 {
		raw, err := json.Marshal(filters)
		if err != nil {
			return Result{}, fmt.Errorf("erp: encode filters: %w", err)
		}
		q.Set("filters", string(raw))
	}
	if limit > 0 {
		q.Set("limit_page_length", strconv.Itoa(limit))
	}
	path := "/api/resource/" + url.PathEscape(doctype)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	data, err := c.do(ctx, http.MethodGet, path, nil)
	return Result{Data: data}, err
}

// GetDoc fetches a single document. Never served from the idempotency
// cache: reads are always live.
func (c *Client) GetDoc(ctx context.Context, doctype, name string) (Result, error) {
	data, err := c.do(ctx, http.MethodGet, resourcePath(doctype, name), nil)
	return Result{Data: data}, err
}

// CreateDoc creates a document. Replayed from the idempotency cache when
// the same key was written within the TTL.
func (c *Client) CreateDoc(ctx context.Context, doctype string, doc map[string]any, opts WriteOptions) (Result, error) {
	return c.write(ctx, http.MethodPost, "/api/resource/"+url.PathEscape(doctype), doctype, doc, opts)
}

// UpdateDoc patches a document, idempotently like CreateDoc.
func (c *Client) UpdateDoc(ctx context.Context, doctype, name string, patch map[string]any, opts WriteOptions) (Result, error) {
	body := map[string]any{"name": name, "patch": patch}
	return c.write(ctx, http.MethodPut, resourcePath(doctype, name), doctype, body, opts)
}

// DeleteDoc removes a document. Not idempotency-cached: a replayed delete
// is not safely distinguishable from a new one.
func (c *Client) DeleteDoc(ctx context.Context, doctype, name string) (Result, error) {
	data, err := c.do(ctx, http.MethodDelete, resourcePath(doctype, name), nil)
	return Result{Data: data}, err
}

// SubmitDoc moves a draft document to the submitted state.
func (c *Client) SubmitDoc(ctx context.Context, doctype, name string) (Result, error) {
	data, err := c.method(ctx, "submit", map[string]any{"doctype": doctype, "name": name})
	return Result{Data: data}, err
}

// CancelDoc cancels a submitted document.
func (c *Client) CancelDoc(ctx context.Context, doctype, name string) (Result, error) {
	data, err := c.method(ctx, "cancel", map[string]any{"doctype": doctype, "name": name})
	return Result{Data: data}, err
}

// RunReport executes a named report.
func (c *Client) RunReport(ctx context.Context, reportName string, filters map[string]any) (Result, error) {
	data, err := c.method(ctx, "run_report", map[string]any{"report_name": reportName, "filters": filters})
	return Result{Data: data}, err
}

// BulkUpdate patches up to MaxBatch documents, each independently: one
// failed item is reported, not fatal to the batch.
func (c *Client) BulkUpdate(ctx context.Context, doctype string, items []BulkItem) (BulkResult, error) {
	if len(items) > c.maxBatch {
		return BulkResult{}, &BatchSizeExceededError{Size: len(items), Max: c.maxBatch}
	}

	res := BulkResult{Errors: make(map[string]string)}
	for _, item := range items {
		if _, err := c.UpdateDoc(ctx, doctype, item.Name, item.Patch, WriteOptions{}); err != nil {
			res.ErrorCount++
			res.Errors[item.Name] = err.Error()
			continue
		}
		res.SuccessCount++
	}
	if len(res.Errors) == 0 {
		res.Errors = nil
	}
	return res, nil
}

// write runs the idempotency check-call-store cycle around a mutation.
func (c *Client) write(ctx context.Context, httpMethod, path, doctype string, body map[string]any, opts WriteOptions) (Result, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return Result{}, fmt.Errorf("erp: encode payload: %w", err)
	}

	key := opts.IdempotencyKey
	if key == "" {
		key = deriveKey(httpMethod, doctype, payload)
	}

	if entry, hit, err := c.idem.Get(ctx, key); err != nil {
		c.logger.Warn("idempotency lookup failed, proceeding without cache", zap.Error(err))
	} else if hit {
		c.logger.Debug("idempotent replay",
			zap.String("doctype", doctype),
			zap.String("idempotency_key", key),
		)
		return Result{Data: entry.Result, FromCache: true}, nil
	}

	data, err := c.do(ctx, httpMethod, path, payload)
	if err != nil {
		return Result{}, err
	}

	if err := c.idem.Set(ctx, key, data); err != nil {
		c.logger.Warn("idempotency store failed", zap.Error(err))
	}
	return Result{Data: data}, nil
}

func (c *Client) method(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("erp: encode args: %w", err)
	}
	return c.do(ctx, http.MethodPost, "/api/method/"+name, payload)
}

// do issues one guarded HTTP call: token acquisition, then circuit breaker
// and retry around the request itself.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("erp: rate limiter: %w", err)
	}

	var data json.RawMessage
	err := resilience.Retry(ctx, c.retry, func(ctx context.Context) error {
		return c.breaker.Do(ctx, func(ctx context.Context) error {
			var attemptErr error
			data, attemptErr = c.roundTrip(ctx, method, path, body)
			return attemptErr
		})
	})
	return data, err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body []byte) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("erp: build request: %w", err)
	}
	req.Header.Set("Authorization", "token "+c.apiKey+":"+c.apiSecret)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("erp: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resilience.NewHTTPError(resp.StatusCode, string(raw), resp.Header)
	}
	return raw, nil
}

func resourcePath(doctype, name string) string {
	return "/api/resource/" + url.PathEscape(doctype) + "/" + url.PathEscape(name)
}

func deriveKey(method, doctype string, payload []byte) string {
	sum := sha256.Sum256(payload)
	return method + "/" + doctype + "/" + hex.EncodeToString(sum[:])
}
