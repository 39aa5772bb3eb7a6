package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockOutbox(t *testing.T) (*PostgresOutboxStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresOutboxStore(db), mock
}

func TestPostgresBeginInserts(t *testing.T) {
	store, mock := newMockOutbox(t)

	mock.ExpectExec("INSERT INTO dispatch_outbox").
		WithArgs("sha256:aa|sha256:bb", "ticket", "sha256:aa", `{"x":1}`, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	inserted, err := store.Begin(context.Background(), &Record{
		DedupeKey:   "sha256:aa|sha256:bb",
		Action:      "ticket",
		ArtifactID:  "sha256:aa",
		VerdictJSON: []byte(`{"x":1}`),
	})
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBeginDeduplicates(t *testing.T) {
	store, mock := newMockOutbox(t)

	// The conflict update only claims FAILED rows, so replaying a DONE or
	// in-flight pair reports zero rows affected.
	mock.ExpectExec("INSERT INTO dispatch_outbox").
		WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := store.Begin(context.Background(), &Record{
		DedupeKey: "sha256:aa|sha256:bb",
		Action:    "ticket",
	})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMarkDone(t *testing.T) {
	store, mock := newMockOutbox(t)

	mock.ExpectExec("UPDATE dispatch_outbox").
		WithArgs(sqlmock.AnyArg(), "sha256:aa|sha256:bb", "ticket").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.MarkDone(context.Background(), "sha256:aa|sha256:bb", "ticket"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMarkFailed(t *testing.T) {
	store, mock := newMockOutbox(t)

	mock.ExpectExec("UPDATE dispatch_outbox").
		WithArgs("webhook returned 500", sqlmock.AnyArg(), "sha256:aa|sha256:bb", "notify").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.MarkFailed(context.Background(), "sha256:aa|sha256:bb", "notify", "webhook returned 500"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPending(t *testing.T) {
	store, mock := newMockOutbox(t)

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"dedupe_key", "action", "artifact_id", "verdict_json",
		"status", "attempts", "last_error", "scheduled_at", "updated_at",
	}).AddRow("sha256:aa|sha256:bb", "notify", "sha256:aa", `{}`,
		"FAILED", 2, "webhook returned 500", now, now)

	mock.ExpectQuery("SELECT (.+) FROM dispatch_outbox").
		WithArgs(10).
		WillReturnRows(rows)

	pending, err := store.Pending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, StatusFailed, pending[0].Status)
	assert.Equal(t, 2, pending[0].Attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}
