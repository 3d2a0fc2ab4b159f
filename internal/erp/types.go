package erp

import (
	"encoding/json"
	"fmt"
)

// Result is the outcome of a single ERP call. FromCache marks idempotent
// replays that performed no network I/O.
type Result struct {
	Data      json.RawMessage `json:"data"`
	FromCache bool            `json:"from_cache"`
}

// CacheHit reports whether the result was an idempotent replay.
func (r Result) CacheHit() bool { return r.FromCache }

// BulkItem is one document update inside a bulk request.
type BulkItem struct {
	Name  string         `json:"name"`
	Patch map[string]any `json:"patch"`
}

// BulkResult reports per-item outcomes. A failed item never aborts the
// rest of the batch.
type BulkResult struct {
	SuccessCount int               `json:"success_count"`
	ErrorCount   int               `json:"error_count"`
	Errors       map[string]string `json:"errors,omitempty"`
}

// BatchSizeExceededError rejects an oversized bulk request before any
// network call.
type BatchSizeExceededError struct {
	Size int
	Max  int
}

func (e *BatchSizeExceededError) Error() string {
	return fmt.Sprintf("batch of %d exceeds the maximum of %d", e.Size, e.Max)
}
