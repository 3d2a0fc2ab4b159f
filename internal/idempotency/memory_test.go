package idempotency

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestMemoryStore_HitWithinTTL(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	defer s.Close()

	if err := s.Set(context.Background(), "k1", json.RawMessage(`{"name":"INV-001"}`)); err != nil {
		t.Fatal(err)
	}

	entry, ok, err := s.Get(context.Background(), "k1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected hit")
	}
	if string(entry.Result) != `{"name":"INV-001"}` {
		t.Fatalf("bad cached result: %s", entry.Result)
	}
}

func TestMemoryStore_MissAfterTTL(t *testing.T) {
	s := NewMemoryStore(10 * time.Millisecond)
	defer s.Close()

	_ = s.Set(context.Background(), "k1", json.RawMessage(`1`))
	time.Sleep(20 * time.Millisecond)

	if _, ok, _ := s.Get(context.Background(), "k1"); ok {
		t.Fatal("expected expiry")
	}
}

func TestMemoryStore_MissForUnknownKey(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	defer s.Close()

	if _, ok, _ := s.Get(context.Background(), "nope"); ok {
		t.Fatal("expected miss")
	}
}

func TestMemoryStore_SweepRemovesExpired(t *testing.T) {
	s := NewMemoryStore(5 * time.Millisecond)
	defer s.Close()

	_ = s.Set(context.Background(), "k1", json.RawMessage(`1`))
	time.Sleep(10 * time.Millisecond)
	s.sweep()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) != 0 {
		t.Fatalf("sweep left %d entries", len(s.entries))
	}
}
