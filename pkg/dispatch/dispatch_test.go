package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldline/drivergate/pkg/evaluate"
	"github.com/fieldline/drivergate/pkg/observability"
	"github.com/fieldline/drivergate/pkg/policy"
	"github.com/fieldline/drivergate/pkg/quarantine"
)

func testVerdict(t *testing.T, path string, actions ...policy.Action) *evaluate.Verdict {
	t.Helper()
	return &evaluate.Verdict{
		ArtifactID:    "sha256:aabbcc",
		Path:          path,
		Digest:        "sha256:aabbcc",
		Platform:      "windows",
		Class:         "kernel",
		Compliant:     false,
		ViolatedRules: []string{"must_sign"},
		Actions:       actions,
		PolicyRef:     "corp-baseline@3",
		VerdictHash:   "sha256:deadbeef",
	}
}

func newTestOutbox(t *testing.T) *SQLiteOutboxStore {
	t.Helper()
	store, db, err := OpenSQLiteOutbox(filepath.Join(t.TempDir(), "outbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return store
}

func TestDispatchIdempotent(t *testing.T) {
	var ticketCount atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ticketCount.Add(1)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "TCK-1001"})
	}))
	defer srv.Close()

	d := New(newTestOutbox(t), nil, WithTickets(NewTicketClient(srv.URL, "")))
	v := testVerdict(t, "", policy.ActionTicket)

	first, err := d.Dispatch(context.Background(), v)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, OutcomeApplied, first[0].Outcome)
	assert.Equal(t, "ticket TCK-1001", first[0].Detail)

	second, err := d.Dispatch(context.Background(), v)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, OutcomeDeduplicated, second[0].Outcome)

	assert.Equal(t, int64(1), ticketCount.Load(), "identical verdict must file exactly one ticket")
}

func TestDispatchNewVerdictHashNotDeduplicated(t *testing.T) {
	var ticketCount atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ticketCount.Add(1)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "TCK-1002"})
	}))
	defer srv.Close()

	d := New(newTestOutbox(t), nil, WithTickets(NewTicketClient(srv.URL, "")))

	v := testVerdict(t, "", policy.ActionTicket)
	_, err := d.Dispatch(context.Background(), v)
	require.NoError(t, err)

	// Same artifact, different verdict hash: a real state change, not a replay.
	v2 := testVerdict(t, "", policy.ActionTicket)
	v2.VerdictHash = "sha256:cafef00d"
	results, err := d.Dispatch(context.Background(), v2)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, results[0].Outcome)
	assert.Equal(t, int64(2), ticketCount.Load())
}

func TestDispatchCompliantNoops(t *testing.T) {
	d := New(newTestOutbox(t), nil)
	v := testVerdict(t, "", policy.ActionTicket)
	v.Compliant = true
	v.ViolatedRules = nil

	results, err := d.Dispatch(context.Background(), v)
	require.NoError(t, err)
	assert.Nil(t, results)
}

func TestDispatchQuarantineMovesArtifact(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "rogue.sys")
	require.NoError(t, os.WriteFile(artifact, []byte("driver bytes"), 0o600))

	qstore, err := quarantine.NewFileStore(filepath.Join(dir, "quarantine"))
	require.NoError(t, err)

	d := New(newTestOutbox(t), nil, WithQuarantine(qstore))
	results, err := d.Dispatch(context.Background(), testVerdict(t, artifact, policy.ActionQuarantine))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeApplied, results[0].Outcome)

	_, statErr := os.Stat(artifact)
	assert.True(t, os.IsNotExist(statErr), "original must be moved out of circulation")
	_, statErr = os.Stat(artifact + ".quarantined")
	assert.NoError(t, statErr)

	got, err := qstore.Get(context.Background(), results[0].Detail)
	require.NoError(t, err)
	assert.Equal(t, []byte("driver bytes"), got)
}

func TestDispatchNotify(t *testing.T) {
	var gotEvent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Event string `json:"event"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotEvent = body.Event
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(newTestOutbox(t), nil, WithNotifier(NewWebhookNotifier(srv.URL)))
	results, err := d.Dispatch(context.Background(), testVerdict(t, "", policy.ActionNotify))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, results[0].Outcome)
	assert.Equal(t, "driver.noncompliant", gotEvent)
}

func TestDispatchFailureRetriedOnNextDispatch(t *testing.T) {
	var healthy atomic.Bool
	var delivered atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		delivered.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	outbox := newTestOutbox(t)
	d := New(outbox, nil, WithNotifier(NewWebhookNotifier(srv.URL)))
	v := testVerdict(t, "", policy.ActionNotify)

	results, err := d.Dispatch(context.Background(), v)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, results[0].Outcome)
	assert.NotEmpty(t, results[0].Error)

	pending, err := outbox.Pending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, StatusFailed, pending[0].Status)
	assert.Equal(t, 1, pending[0].Attempts)

	// A failed attempt must not bury the side effect: dispatching the
	// identical verdict again re-claims the row and delivers.
	healthy.Store(true)
	results, err = d.Dispatch(context.Background(), v)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, results[0].Outcome)
	assert.Equal(t, int64(1), delivered.Load())

	pending, err = outbox.Pending(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRetryPendingReplaysFailedAction(t *testing.T) {
	var healthy atomic.Bool
	var ticketCount atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		ticketCount.Add(1)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "TCK-2001"})
	}))
	defer srv.Close()

	outbox := newTestOutbox(t)
	d := New(outbox, nil, WithTickets(NewTicketClient(srv.URL, "")))

	_, err := d.Dispatch(context.Background(), testVerdict(t, "", policy.ActionTicket))
	require.NoError(t, err)

	healthy.Store(true)
	results, err := d.RetryPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeApplied, results[0].Outcome)
	assert.Equal(t, "ticket TCK-2001", results[0].Detail)
	assert.Equal(t, int64(1), ticketCount.Load())

	// The replayed verdict came from the stored outbox row, and the row is
	// done now.
	pending, err := outbox.Pending(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRetryPendingHonorsMaxAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	outbox := newTestOutbox(t)
	d := New(outbox, nil, WithNotifier(NewWebhookNotifier(srv.URL)), WithMaxAttempts(1))

	_, err := d.Dispatch(context.Background(), testVerdict(t, "", policy.ActionNotify))
	require.NoError(t, err)

	results, err := d.RetryPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, results, "exhausted records are skipped, not replayed")
}

func TestDispatchReleasesArtifactLocks(t *testing.T) {
	d := New(newTestOutbox(t), nil)
	_, err := d.Dispatch(context.Background(), testVerdict(t, "", policy.ActionTicket))
	require.NoError(t, err)

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Empty(t, d.locks, "lock entries must not accumulate across dispatches")
}

func TestDispatchMissingTargetFails(t *testing.T) {
	d := New(newTestOutbox(t), nil)
	results, err := d.Dispatch(context.Background(), testVerdict(t, "", policy.ActionTicket))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, results[0].Outcome)
	assert.Contains(t, results[0].Error, "not configured")
}

type stubLimiter struct{ allow bool }

func (s stubLimiter) Allow(ctx context.Context, target string) (bool, error) {
	return s.allow, nil
}

func TestDispatchThrottledLeavesNoRecord(t *testing.T) {
	outbox := newTestOutbox(t)
	d := New(outbox, nil, WithLimiter(stubLimiter{allow: false}))

	results, err := d.Dispatch(context.Background(), testVerdict(t, "", policy.ActionNotify))
	require.NoError(t, err)
	assert.Equal(t, OutcomeThrottled, results[0].Outcome)

	// No outbox record means the action is retried on the next dispatch.
	pending, err := outbox.Pending(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDispatchMultipleActions(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "rogue.ko")
	require.NoError(t, os.WriteFile(artifact, []byte("module bytes"), 0o600))

	qstore, err := quarantine.NewFileStore(filepath.Join(dir, "quarantine"))
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "TCK-2000"})
	}))
	defer srv.Close()

	d := New(newTestOutbox(t), nil,
		WithQuarantine(qstore),
		WithTickets(NewTicketClient(srv.URL, "secret")))

	results, err := d.Dispatch(context.Background(),
		testVerdict(t, artifact, policy.ActionQuarantine, policy.ActionTicket))
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, policy.ActionQuarantine, results[0].Action)
	assert.Equal(t, OutcomeApplied, results[0].Outcome)
	assert.Equal(t, policy.ActionTicket, results[1].Action)
	assert.Equal(t, OutcomeApplied, results[1].Outcome)
}

func TestDispatchWithMetrics(t *testing.T) {
	provider, err := observability.New(context.Background(), &observability.Config{Enabled: false})
	require.NoError(t, err)

	d := New(newTestOutbox(t), nil, WithMetrics(provider))
	results, err := d.Dispatch(context.Background(), testVerdict(t, "", policy.ActionTicket))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, results[0].Outcome)
}
