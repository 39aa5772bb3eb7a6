package dispatch

import (
	"context"
	"time"
)

// Status of an outbox record.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusDone    Status = "DONE"
	StatusFailed  Status = "FAILED"
)

// Record is one scheduled side effect in the dispatch outbox. The
// (dedupe key, action) pair is the primary key: re-inserting a pair whose
// effect completed (or is in flight) is a no-op, which is what makes
// dispatch idempotent. A pair whose last attempt FAILED is re-claimed so
// the effect is not buried by its own failure.
type Record struct {
	DedupeKey   string    `json:"dedupe_key"` // artifact ID + verdict hash
	Action      string    `json:"action"`
	ArtifactID  string    `json:"artifact_id"`
	VerdictJSON []byte    `json:"verdict_json"`
	Status      Status    `json:"status"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
	ScheduledAt time.Time `json:"scheduled_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// OutboxStore persists dispatch records. Implementations must make Begin
// atomic: exactly one caller wins the insert for a given key/action pair.
type OutboxStore interface {
	// Begin schedules a side effect. Returns true when this call claimed
	// the pair (fresh insert, or re-claim of a FAILED row) and the caller
	// must execute the effect; false when the pair deduplicates.
	Begin(ctx context.Context, rec *Record) (bool, error)

	// MarkDone records successful execution.
	MarkDone(ctx context.Context, dedupeKey, action string) error

	// MarkFailed records a failed execution attempt with its error.
	MarkFailed(ctx context.Context, dedupeKey, action, errMsg string) error

	// Pending returns records that never completed, oldest first.
	Pending(ctx context.Context, limit int) ([]*Record, error)
}
