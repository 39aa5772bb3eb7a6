package dispatch

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteOutboxStore implements OutboxStore on a local SQLite database.
// This is the default backend for single-host batch runs.
type SQLiteOutboxStore struct {
	db *sql.DB
}

// NewSQLiteOutboxStore creates the store and its schema.
func NewSQLiteOutboxStore(db *sql.DB) (*SQLiteOutboxStore, error) {
	s := &SQLiteOutboxStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLiteOutbox opens (or creates) a SQLite outbox at the given path.
func OpenSQLiteOutbox(path string) (*SQLiteOutboxStore, *sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nil, fmt.Errorf("dispatch: open sqlite outbox: %w", err)
	}
	store, err := NewSQLiteOutboxStore(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return store, db, nil
}

func (s *SQLiteOutboxStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS dispatch_outbox (
		dedupe_key   TEXT NOT NULL,
		action       TEXT NOT NULL,
		artifact_id  TEXT NOT NULL,
		verdict_json TEXT NOT NULL,
		status       TEXT NOT NULL DEFAULT 'PENDING',
		attempts     INTEGER NOT NULL DEFAULT 0,
		last_error   TEXT NOT NULL DEFAULT '',
		scheduled_at DATETIME NOT NULL,
		updated_at   DATETIME NOT NULL,
		PRIMARY KEY (dedupe_key, action)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("dispatch: outbox migrate: %w", err)
	}
	return nil
}

func (s *SQLiteOutboxStore) Begin(ctx context.Context, rec *Record) (bool, error) {
	now := time.Now().UTC()
	// A FAILED row is re-claimed so the side effect is attempted again.
	// Only DONE and in-flight PENDING rows deduplicate.
	query := `
	INSERT INTO dispatch_outbox (dedupe_key, action, artifact_id, verdict_json, status, attempts, scheduled_at, updated_at)
	VALUES (?, ?, ?, ?, 'PENDING', 0, ?, ?)
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

func (s *SQLiteOutboxStore) MarkDone(ctx context.Context, dedupeKey, action string) error {
	query := `
	UPDATE dispatch_outbox
	SET status = 'DONE', attempts = attempts + 1, last_error = '', updated_at = ?
	WHERE dedupe_key = ? AND action = ?
	`
	_, err := s.db.ExecContext(ctx, query, time.Now().UTC(), dedupeKey, action)
	if err != nil {
		return fmt.Errorf("dispatch: outbox mark done: %w", err)
	}
	return nil
}

func (s *SQLiteOutboxStore) MarkFailed(ctx context.Context, dedupeKey, action, errMsg string) error {
	query := `
	UPDATE dispatch_outbox
	SET status = 'FAILED', attempts = attempts + 1, last_error = ?, updated_at = ?
	WHERE dedupe_key = ? AND action = ?
	`
	_, err := s.db.ExecContext(ctx, query, errMsg, time.Now().UTC(), dedupeKey, action)
	if err != nil {
		return fmt.Errorf("dispatch: outbox mark failed: %w", err)
	}
	return nil
}

func (s *SQLiteOutboxStore) Pending(ctx context.Context, limit int) ([]*Record, error) {
	query := `
	SELECT dedupe_key, action, artifact_id, verdict_json, status, attempts, last_error, scheduled_at, updated_at
	FROM dispatch_outbox
	WHERE status != 'DONE'
	ORDER BY scheduled_at ASC
	LIMIT ?
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
