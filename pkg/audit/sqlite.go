package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteStore persists audit events so the chain survives restarts and
// can be verified out of process.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the store and its schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLiteStore opens (or creates) an audit database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, *sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nil, fmt.Errorf("audit: open sqlite: %w", err)
	}
	store, err := NewSQLiteStore(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return store, db, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_events (
		sequence  INTEGER PRIMARY KEY,
		id        TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		type      TEXT NOT NULL,
		action    TEXT NOT NULL,
		resource  TEXT NOT NULL,
		metadata  TEXT NOT NULL DEFAULT '{}',
		prev_hash TEXT NOT NULL,
		hash      TEXT NOT NULL
	)`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("audit: migrate: %w", err)
	}
	return nil
}

// Append stores one event. Events must arrive in chain order.
func (s *SQLiteStore) Append(ctx context.Context, e *Event) error {
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("audit: marshal metadata: %w", err)
	}
	query := `
	INSERT INTO audit_events (sequence, id, timestamp, type, action, resource, metadata, prev_hash, hash)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query, e.Sequence, e.ID, e.Timestamp.Format(time.RFC3339Nano),
		string(e.Type), e.Action, e.Resource, string(metadata), e.PrevHash, e.Hash)
	if err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	return nil
}

// Events returns all stored events in sequence order.
func (s *SQLiteStore) Events(ctx context.Context) ([]*Event, error) {
	query := `
	SELECT sequence, id, timestamp, type, action, resource, metadata, prev_hash, hash
	FROM audit_events ORDER BY sequence ASC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("audit: query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*Event
	for rows.Next() {
		var e Event
		var ts, typ, metadata string
		if err := rows.Scan(&e.Sequence, &e.ID, &ts, &typ, &e.Action, &e.Resource,
			&metadata, &e.PrevHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("audit: scan event: %w", err)
		}
		e.Type = EventType(typ)
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("audit: parse timestamp: %w", err)
		}
		if metadata != "" && metadata != "null" {
			if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
				return nil, fmt.Errorf("audit: parse metadata: %w", err)
			}
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: rows: %w", err)
	}
	return events, nil
}

// Verify re-reads the stored chain and checks its integrity.
func (s *SQLiteStore) Verify(ctx context.Context) (int, error) {
	events, err := s.Events(ctx)
	if err != nil {
		return 0, err
	}
	return len(events), VerifyEvents(events)
}

// Sink returns an event handler that mirrors trail events into the store.
func (s *SQLiteStore) Sink(ctx context.Context) func(*Event) error {
	return func(e *Event) error {
		return s.Append(ctx, e)
	}
}
