// Package idempotency suppresses duplicate side effects on ERP writes.
// Entries are keyed by a derived or caller-supplied idempotency key and
// expire after a short TTL.
package idempotency

import (
	"context"
	"encoding/json"
	"time"
)

// DefaultTTL is how long a cached write result is replayed.
const DefaultTTL = 5 * time.Minute

// Entry is a cached write result.
type Entry struct {
	Result   json.RawMessage `json:"result"`
	StoredAt time.Time       `json:"stored_at"`
}

// Store is the backend interface. Get returns (entry, true) only for
// unexpired keys.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, result json.RawMessage) error
}
