package erp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ledgermind/greenlight/internal/config"
	"github.com/ledgermind/greenlight/internal/idempotency"
	"github.com/ledgermind/greenlight/internal/resilience"
)

func testClient(t *testing.T, srv *httptest.Server, cfg config.ERP) *Client {
	t.Helper()
	cfg.BaseURL = srv.URL
	if cfg.APIKey == "" {
		cfg.APIKey = "key"
		cfg.APISecret = "secret"
	}
	if cfg.RateLimitRPS == 0 {
		cfg.RateLimitRPS = 1000
		cfg.RateLimitBurst = 1000
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	store := idempotency.NewMemoryStore(cfg.IdempotencyTTL)
	t.Cleanup(store.Close)
	breaker := resilience.NewBreaker("erp", resilience.DefaultBreakerConfig())
	retryCfg := resilience.RetryConfig{MaxRetries: 0, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2}
	return NewClient(cfg, retryCfg, breaker, store, zap.NewNop())
}

func TestCreateDoc_IdempotentReplay(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(`{"data":{"name":"INV-001"}}`))
	}))
	defer srv.Close()

	c := testClient(t, srv, config.ERP{IdempotencyTTL: time.Minute})
	doc := map[string]any{"customer": "ACME", "grand_total": 100}

	first, err := c.CreateDoc(context.Background(), "Sales Invoice", doc, WriteOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if first.FromCache {
		t.Fatal("first call must not come from cache")
	}

	second, err := c.CreateDoc(context.Background(), "Sales Invoice", doc, WriteOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !second.FromCache {
		t.Fatal("second call must be served from cache")
	}
	if string(second.Data) != string(first.Data) {
		t.Fatal("cached result must match original")
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("expected exactly 1 network call, got %d", n)
	}
}

func TestCreateDoc_TTLExpiryIssuesSecondCall(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := testClient(t, srv, config.ERP{IdempotencyTTL: 10 * time.Millisecond})
	doc := map[string]any{"customer": "ACME"}

	_, _ = c.CreateDoc(context.Background(), "Sales Invoice", doc, WriteOptions{})
	time.Sleep(20 * time.Millisecond)
	res, err := c.CreateDoc(context.Background(), "Sales Invoice", doc, WriteOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.FromCache {
		t.Fatal("expired entry must not be replayed")
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("expected 2 network calls after TTL expiry, got %d", n)
	}
}

func TestCreateDoc_CallerSuppliedKey(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := testClient(t, srv, config.ERP{IdempotencyTTL: time.Minute})

	// Different payloads under the same caller key: still one network call.
	_, _ = c.CreateDoc(context.Background(), "Item", map[string]any{"a": 1}, WriteOptions{IdempotencyKey: "req-1"})
	res, _ := c.CreateDoc(context.Background(), "Item", map[string]any{"b": 2}, WriteOptions{IdempotencyKey: "req-1"})
	if !res.FromCache {
		t.Fatal("caller key must dedupe regardless of payload")
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("expected 1 call, got %d", n)
	}
}

func TestGetDoc_NeverCached(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(`{"data":{"name":"INV-001","docstatus":1}}`))
	}))
	defer srv.Close()

	c := testClient(t, srv, config.ERP{IdempotencyTTL: time.Minute})
	_, _ = c.GetDoc(context.Background(), "Sales Invoice", "INV-001")
	res, err := c.GetDoc(context.Background(), "Sales Invoice", "INV-001")
	if err != nil {
		t.Fatal(err)
	}
	if res.FromCache {
		t.Fatal("reads are always live")
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("expected 2 live reads, got %d", n)
	}
}

func TestBulkUpdate_CeilingRejectedBeforeIO(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	cfg := config.ERP{IdempotencyTTL: time.Minute, MaxBatch: 3}
	c := testClient(t, srv, cfg)

	items := make([]BulkItem, 4)
	for i := range items {
		items[i] = BulkItem{Name: "DOC-" + string(rune('A'+i)), Patch: map[string]any{"status": "Closed"}}
	}

	_, err := c.BulkUpdate(context.Background(), "Task", items)
	var tooBig *BatchSizeExceededError
	if !errors.As(err, &tooBig) {
		t.Fatalf("expected BatchSizeExceededError, got %v", err)
	}
	if tooBig.Size != 4 || tooBig.Max != 3 {
		t.Fatalf("bad error detail: %+v", tooBig)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatal("oversized batch must be rejected before any network call")
	}
}

func TestBulkUpdate_PartialFailureVisibility(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Name string `json:"name"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Name == "DOC-B" {
			http.Error(w, `{"error":"locked"}`, http.StatusConflict)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := testClient(t, srv, config.ERP{IdempotencyTTL: time.Minute, MaxBatch: 10})
	res, err := c.BulkUpdate(context.Background(), "Task", []BulkItem{
		{Name: "DOC-A", Patch: map[string]any{"status": "Open"}},
		{Name: "DOC-B", Patch: map[string]any{"status": "Open"}},
		{Name: "DOC-C", Patch: map[string]any{"status": "Open"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.SuccessCount != 2 || res.ErrorCount != 1 {
		t.Fatalf("bad counts: %+v", res)
	}
	if _, ok := res.Errors["DOC-B"]; !ok {
		t.Fatalf("expected per-item error for DOC-B: %+v", res.Errors)
	}
}

func TestClient_RateLimiting(t *testing.T) {
	var mu sync.Mutex
	var stamps []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		stamps = append(stamps, time.Now())
		mu.Unlock()
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	cfg := config.ERP{IdempotencyTTL: time.Minute, RateLimitRPS: 50, RateLimitBurst: 2, RequestTimeout: 5 * time.Second}
	c := testClient(t, srv, cfg)

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.GetDoc(context.Background(), "Item", "X"); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if len(stamps) != n {
		t.Fatalf("expected all %d calls to complete, got %d", n, len(stamps))
	}
	// With burst 2 + 50 rps, 8 calls need at least (8-2)/50 = 120ms.
	mu.Lock()
	defer mu.Unlock()
	first, last := stamps[0], stamps[0]
	for _, s := range stamps {
		if s.Before(first) {
			first = s
		}
		if s.After(last) {
			last = s
		}
	}
	if spread := last.Sub(first); spread < 100*time.Millisecond {
		t.Fatalf("calls not throttled, spread %s", spread)
	}
}

func TestClient_ServerErrorClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testClient(t, srv, config.ERP{IdempotencyTTL: time.Minute})
	_, err := c.GetDoc(context.Background(), "Item", "X")
	if err == nil {
		t.Fatal("expected error")
	}
	if got := resilience.Classify(err); got.Kind != resilience.KindServerError {
		t.Fatalf("expected server_error, got %s", got.Kind)
	}
}

func TestClient_CircuitOpensAndFailsFast(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := config.ERP{IdempotencyTTL: time.Minute, RateLimitRPS: 1000, RateLimitBurst: 1000, RequestTimeout: 5 * time.Second, BaseURL: srv.URL, APIKey: "k", APISecret: "s"}
	store := idempotency.NewMemoryStore(time.Minute)
	t.Cleanup(store.Close)
	breaker := resilience.NewBreaker("erp", resilience.BreakerConfig{FailureThreshold: 5, SuccessThreshold: 2, Timeout: time.Hour})
	c := NewClient(cfg, resilience.RetryConfig{MaxRetries: 0, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2}, breaker, store, zap.NewNop())

	for i := 0; i < 5; i++ {
		_, _ = c.GetDoc(context.Background(), "Item", "X")
	}
	before := atomic.LoadInt32(&calls)

	_, err := c.GetDoc(context.Background(), "Item", "X")
	var open *resilience.CircuitOpenError
	if !errors.As(err, &open) {
		t.Fatalf("expected CircuitOpenError, got %v", err)
	}
	if atomic.LoadInt32(&calls) != before {
		t.Fatal("open circuit must not attempt the network")
	}
}
