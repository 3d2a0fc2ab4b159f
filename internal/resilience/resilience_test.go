package resilience

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestClassify_HTTPStatuses(t *testing.T) {
	cases := []struct {
		status    int
		want      Kind
		retryable bool
	}{
		{401, KindAuthentication, false},
		{403, KindAuthentication, false},
		{400, KindInvalidRequest, false},
		{404, KindInvalidRequest, false},
		{409, KindInvalidRequest, false},
		{422, KindInvalidRequest, false},
		{429, KindRateLimit, true},
		{500, KindServerError, true},
		{503, KindServerError, true},
	}
	for _, tc := range cases {
		c := Classify(&HTTPError{Status: tc.status})
		if c.Kind != tc.want {
			t.Fatalf("status %d: expected %s, got %s", tc.status, tc.want, c.Kind)
		}
		if c.Retryable != tc.retryable {
			t.Fatalf("status %d: retryable mismatch", tc.status)
		}
	}
}

func TestClassify_RetryAfterHeader(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "7")
	err := NewHTTPError(429, "slow down", h)
	c := Classify(err)
	if c.RetryAfter != 7*time.Second {
		t.Fatalf("expected 7s retry-after, got %s", c.RetryAfter)
	}
}

func TestClassify_DeadlineExceeded(t *testing.T) {
	c := Classify(context.DeadlineExceeded)
	if c.Kind != KindTimeout || !c.Retryable {
		t.Fatalf("expected retryable timeout, got %+v", c)
	}
}

func TestClassify_Unknown(t *testing.T) {
	c := Classify(errors.New("who knows"))
	if c.Kind != KindUnknown || c.Retryable {
		t.Fatalf("expected non-retryable unknown, got %+v", c)
	}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return &HTTPError{Status: 503}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetry_NonRetryableFailsFast(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), DefaultRetryConfig(), func(ctx context.Context) error {
		attempts++
		return &HTTPError{Status: 401}
	})
	if attempts != 1 {
		t.Fatalf("auth errors must not retry, got %d attempts", attempts)
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
}

func TestRetry_ExhaustionWrapsCause(t *testing.T) {
	cause := &HTTPError{Status: 500, Body: "boom"}
	err := Retry(context.Background(), RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2}, func(ctx context.Context) error {
		return cause
	})

	var exhausted *RetriesExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected RetriesExhaustedError, got %v", err)
	}
	if exhausted.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", exhausted.Attempts)
	}
	if !errors.Is(err, cause) {
		t.Fatal("cause must be reachable via errors.Is")
	}
}

func TestRetry_RetryAfterOverridesBackoff(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "1")

	start := time.Now()
	attempts := 0
	_ = Retry(context.Background(), RetryConfig{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2}, func(ctx context.Context) error {
		attempts++
		if attempts == 1 {
			return NewHTTPError(429, "", h)
		}
		return nil
	})
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Fatalf("Retry-After not honored, waited only %s", elapsed)
	}
}

func TestRetry_ContextCancelStopsBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := Retry(ctx, RetryConfig{MaxRetries: 5, InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2}, func(ctx context.Context) error {
		return &HTTPError{Status: 500}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := NewBreaker("erp", BreakerConfig{FailureThreshold: 5, SuccessThreshold: 2, Timeout: time.Hour})

	calls := 0
	fail := func(ctx context.Context) error {
		calls++
		return &HTTPError{Status: 500}
	}

	for i := 0; i < 5; i++ {
		_ = b.Do(context.Background(), fail)
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open after 5 failures, got %s", b.State())
	}

	err := b.Do(context.Background(), fail)
	var open *CircuitOpenError
	if !errors.As(err, &open) {
		t.Fatalf("expected CircuitOpenError, got %v", err)
	}
	if calls != 5 {
		t.Fatalf("open circuit must not touch the network, got %d calls", calls)
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	b := NewBreaker("llm", BreakerConfig{FailureThreshold: 2, SuccessThreshold: 2, Timeout: 10 * time.Millisecond})

	fail := func(ctx context.Context) error { return &HTTPError{Status: 500} }
	ok := func(ctx context.Context) error { return nil }

	_ = b.Do(context.Background(), fail)
	_ = b.Do(context.Background(), fail)
	if b.State() != StateOpen {
		t.Fatal("expected open")
	}

	time.Sleep(15 * time.Millisecond)
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half_open after cooldown, got %s", b.State())
	}

	if err := b.Do(context.Background(), ok); err != nil {
		t.Fatal(err)
	}
	if b.State() != StateHalfOpen {
		t.Fatal("one success must not close the circuit yet")
	}
	if err := b.Do(context.Background(), ok); err != nil {
		t.Fatal(err)
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed after success threshold, got %s", b.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker("erp", BreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, Timeout: 10 * time.Millisecond})
	fail := func(ctx context.Context) error { return &HTTPError{Status: 502} }

	_ = b.Do(context.Background(), fail)
	time.Sleep(15 * time.Millisecond)

	_ = b.Do(context.Background(), fail) // trial fails
	if b.State() != StateOpen {
		t.Fatalf("expected reopen after failed trial, got %s", b.State())
	}
}

func TestBreaker_PerDependencyIsolation(t *testing.T) {
	erp := NewBreaker("erp", BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Hour})
	llm := NewBreaker("llm", BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Hour})

	_ = erp.Do(context.Background(), func(ctx context.Context) error { return &HTTPError{Status: 500} })
	if erp.State() != StateOpen {
		t.Fatal("erp breaker should be open")
	}
	if llm.State() != StateClosed {
		t.Fatal("llm breaker must be unaffected by erp failures")
	}
}

func TestBreaker_InvalidRequestDoesNotTrip(t *testing.T) {
	b := NewBreaker("erp", BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Hour})
	_ = b.Do(context.Background(), func(ctx context.Context) error { return &HTTPError{Status: 404} })
	if b.State() != StateClosed {
		t.Fatal("4xx responses are answers, not dependency failures")
	}
}
