package dispatch

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // Postgres driver
)

// PostgresOutboxStore implements OutboxStore on Postgres for deployments
// where multiple evaluator replicas share one outbox.
type PostgresOutboxStore struct {
	db *sql.DB
}

// NewPostgresOutboxStore creates the store. Schema management is external
// (see migrate) so shared databases can run migrations once.
func NewPostgresOutboxStore(db *sql.DB) *PostgresOutboxStore {
	return &PostgresOutboxStore{db: db}
}

// Migrate creates the outbox table if it does not exist.
func (s *PostgresOutboxStore) Migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS dispatch_outbox (
		dedupe_key   TEXT NOT NULL,
		action       TEXT NOT NULL,
		artifact_id  TEXT NOT NULL,
		verdict_json JSONB NOT NULL,
		status       TEXT NOT NULL DEFAULT 'PENDING',
		attempts     INTEGER NOT NULL DEFAULT 0,
		last_error   TEXT NOT NULL DEFAULT '',
		scheduled_at TIMESTAMPTZ NOT NULL,
		updated_at   TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (dedupe_key, action)
	)`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("dispatch: outbox migrate: %w", err)
	}
	return nil
}

func (s *PostgresOutboxStore) Begin(ctx context.Context, rec *Record) (bool, error) {
	now := time.Now().UTC()
	// Same re-claim semantics as the SQLite store: FAILED rows go back to
	// PENDING, completed rows deduplicate.
	query := `
	INSERT INTO dispatch_outbox (dedupe_key, action, artifact_id, verdict_json, status, attempts, scheduled_at, updated_at)
	VALUES ($1, $2, $3, $4, 'PENDING', 0, $5, $6)
	ON CONFLICT (dedupe_key, action) DO UPDATE SET
		status = 'PENDING', last_error = '', updated_at = excluded.updated_at
	WHERE dispatch_outbox.status = 'FAILED'
	`
	res, err := s.db.ExecContext(ctx, query, rec.DedupeKey, rec.Action, rec.ArtifactID, string(rec.VerdictJSON), now, now)
	if err != nil {
		return false, fmt.Errorf("dispatch: outbox begin: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dispatch: outbox begin rows: %w", err)
	}
	return n == 1, nil
}

func (s *PostgresOutboxStore) MarkDone(ctx context.Context, dedupeKey, action string) error {
	query := `
	UPDATE dispatch_outbox
	SET status = 'DONE', attempts = attempts + 1, last_error = '', updated_at = $1
	WHERE dedupe_key = $2 AND action = $3
	`
	if _, err := s.db.ExecContext(ctx, query, time.Now().UTC(), dedupeKey, action); err != nil {
		return fmt.Errorf("dispatch: outbox mark done: %w", err)
	}
	return nil
}

func (s *PostgresOutboxStore) MarkFailed(ctx context.Context, dedupeKey, action, errMsg string) error {
	query := `
	UPDATE dispatch_outbox
	SET status = 'FAILED', attempts = attempts + 1, last_error = $1, updated_at = $2
	WHERE dedupe_key = $3 AND action = $4
	`
	if _, err := s.db.ExecContext(ctx, query, errMsg, time.Now().UTC(), dedupeKey, action); err != nil {
		return fmt.Errorf("dispatch: outbox mark failed: %w", err)
	}
	return nil
}

func (s *PostgresOutboxStore) Pending(ctx context.Context, limit int) ([]*Record, error) {
	query := `
	SELECT dedupe_key, action, artifact_id, verdict_json, status, attempts, last_error, scheduled_at, updated_at
	FROM dispatch_outbox
	WHERE status != 'DONE'
	ORDER BY scheduled_at ASC
	LIMIT $1
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("dispatch: outbox pending: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*Record
	for rows.Next() {
		var rec Record
		var verdictJSON string
		if err := rows.Scan(&rec.DedupeKey, &rec.Action, &rec.ArtifactID, &verdictJSON,
			&rec.Status, &rec.Attempts, &rec.LastError, &rec.ScheduledAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("dispatch: outbox scan: %w", err)
		}
		rec.VerdictJSON = []byte(verdictJSON)
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispatch: outbox rows: %w", err)
	}
	return records, nil
}

var _ OutboxStore = (*PostgresOutboxStore)(nil)
var _ OutboxStore = (*SQLiteOutboxStore)(nil)
