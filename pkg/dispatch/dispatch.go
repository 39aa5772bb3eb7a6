// Package dispatch executes remediation actions for non-compliant
// verdicts: quarantine, webhook notification, and ticket filing.
//
// Dispatch is idempotent. Every (verdict, action) pair is keyed by
// artifact ID + verdict hash in the outbox; a second dispatch of an
// identical verdict deduplicates completed side effects while failed ones
// are re-claimed and attempted again. The outbox row carries the verdict
// JSON, so RetryPending replays failures without re-running inspection.
// Dispatches for the same artifact ID serialize on a keyed mutex so
// concurrent callers cannot race the idempotency window.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fieldline/drivergate/pkg/evaluate"
	"github.com/fieldline/drivergate/pkg/observability"
	"github.com/fieldline/drivergate/pkg/policy"
	"github.com/fieldline/drivergate/pkg/quarantine"
)

// Outcome of one dispatched action.
type Outcome string

const (
	OutcomeApplied      Outcome = "applied"
	OutcomeDeduplicated Outcome = "deduplicated"
	OutcomeFailed       Outcome = "failed"
	OutcomeThrottled    Outcome = "throttled"
)

// ActionResult describes one side effect taken (or skipped) for a verdict.
type ActionResult struct {
	Action  policy.Action `json:"action"`
	Outcome Outcome       `json:"outcome"`
	Detail  string        `json:"detail,omitempty"` // e.g. ticket ID or quarantine hash
	Error   string        `json:"error,omitempty"`
}

// Dispatcher executes verdict actions against the configured targets.
type Dispatcher struct {
	outbox      OutboxStore
	quarantine  quarantine.Store
	notifier    *WebhookNotifier
	tickets     *TicketClient
	limiter     Limiter                 // optional
	metrics     *observability.Provider // optional
	maxAttempts int

	logger *slog.Logger
	tracer trace.Tracer

	mu    sync.Mutex
	locks map[string]*artifactLock // per artifact ID, evicted at zero refs
}

// artifactLock is a refcounted keyed mutex entry. Entries leave the map
// when the last holder releases, so the map stays bounded in serve mode.
type artifactLock struct {
	mu   sync.Mutex
	refs int
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithQuarantine wires the quarantine store.
func WithQuarantine(store quarantine.Store) Option {
	return func(d *Dispatcher) { d.quarantine = store }
}

// WithNotifier wires the webhook notifier.
func WithNotifier(n *WebhookNotifier) Option {
	return func(d *Dispatcher) { d.notifier = n }
}

// WithTickets wires the ticket client.
func WithTickets(t *TicketClient) Option {
	return func(d *Dispatcher) { d.tickets = t }
}

// WithLimiter wires a shared rate limiter for notify/ticket targets.
func WithLimiter(l Limiter) Option {
	return func(d *Dispatcher) { d.limiter = l }
}

// WithMetrics wires dispatch outcome counters.
func WithMetrics(p *observability.Provider) Option {
	return func(d *Dispatcher) { d.metrics = p }
}

// WithMaxAttempts caps how often RetryPending replays a failed action.
// Zero means unlimited.
func WithMaxAttempts(n int) Option {
	return func(d *Dispatcher) { d.maxAttempts = n }
}

// New creates a Dispatcher. The outbox is mandatory: without it the
// idempotency guarantee cannot hold.
func New(outbox OutboxStore, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		outbox:      outbox,
		logger:      logger,
		tracer:      otel.Tracer("drivergate/dispatch"),
		locks:       make(map[string]*artifactLock),
		maxAttempts: 5,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch executes the verdict's configured actions and returns what was
// done. Compliant verdicts dispatch nothing.
func (d *Dispatcher) Dispatch(ctx context.Context, v *evaluate.Verdict) ([]ActionResult, error) {
	if v.Compliant || len(v.Actions) == 0 {
		return nil, nil
	}

	ctx, span := d.tracer.Start(ctx, "dispatch.Dispatch",
		trace.WithAttributes(attribute.String("artifact.id", v.ArtifactID)))
	defer span.End()

	// Serialize per artifact ID so concurrent dispatches of the same
	// artifact cannot both win the outbox insert for different attempts.
	lock := d.lockArtifact(v.ArtifactID)
	defer d.unlockArtifact(v.ArtifactID, lock)

	verdictJSON, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("dispatch: marshal verdict: %w", err)
	}
	dedupeKey := v.ArtifactID + "|" + v.VerdictHash

	results := make([]ActionResult, 0, len(v.Actions))
	for _, action := range v.Actions {
		res := d.dispatchOne(ctx, v, action, dedupeKey, verdictJSON)
		if d.metrics != nil {
			d.metrics.RecordDispatch(ctx, string(res.Action), string(res.Outcome))
		}
		results = append(results, res)
	}
	return results, nil
}

// RetryPending replays outbox records that never completed, using the
// verdict JSON stored with each record so no inspection re-runs. Records
// that exhausted the attempt cap are skipped.
func (d *Dispatcher) RetryPending(ctx context.Context, limit int) ([]ActionResult, error) {
	records, err := d.outbox.Pending(ctx, limit)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	ctx, span := d.tracer.Start(ctx, "dispatch.RetryPending",
		trace.WithAttributes(attribute.Int("outbox.pending", len(records))))
	defer span.End()

	var results []ActionResult
	for _, rec := range records {
		if d.maxAttempts > 0 && rec.Attempts >= d.maxAttempts {
			d.logger.Warn("dispatch retry exhausted",
				"artifact", rec.ArtifactID, "action", rec.Action, "attempts", rec.Attempts)
			continue
		}

		var v evaluate.Verdict
		if err := json.Unmarshal(rec.VerdictJSON, &v); err != nil {
			d.logger.Error("outbox verdict unreadable, skipping",
				"artifact", rec.ArtifactID, "action", rec.Action, "error", err)
			continue
		}

		res := d.retryOne(ctx, &v, rec)
		if d.metrics != nil {
			d.metrics.RecordDispatch(ctx, string(res.Action), string(res.Outcome))
		}
		results = append(results, res)
	}
	return results, nil
}

// retryOne re-executes one claimed outbox record. The row already exists,
// so this skips Begin and goes straight to the side effect.
func (d *Dispatcher) retryOne(ctx context.Context, v *evaluate.Verdict, rec *Record) ActionResult {
	lock := d.lockArtifact(rec.ArtifactID)
	defer d.unlockArtifact(rec.ArtifactID, lock)

	action := policy.Action(rec.Action)
	result := ActionResult{Action: action}

	if d.limiter != nil && action != policy.ActionQuarantine {
		allowed, err := d.limiter.Allow(ctx, rec.Action)
		if err != nil {
			d.logger.Warn("dispatch limiter unavailable, proceeding", "action", action, "error", err)
		} else if !allowed {
			result.Outcome = OutcomeThrottled
			return result
		}
	}

	detail, err := d.execute(ctx, v, action, rec.DedupeKey)
	if err != nil {
		result.Outcome = OutcomeFailed
		result.Error = err.Error()
		if markErr := d.outbox.MarkFailed(ctx, rec.DedupeKey, rec.Action, err.Error()); markErr != nil {
			d.logger.Error("outbox mark failed errored", "action", action, "error", markErr)
		}
		return result
	}

	result.Outcome = OutcomeApplied
	result.Detail = detail
	if markErr := d.outbox.MarkDone(ctx, rec.DedupeKey, rec.Action); markErr != nil {
		d.logger.Error("outbox mark done errored", "action", action, "error", markErr)
	}
	d.logger.Info("dispatch retry applied",
		"artifact", rec.ArtifactID, "action", action, "detail", detail)
	return result
}

func (d *Dispatcher) dispatchOne(ctx context.Context, v *evaluate.Verdict, action policy.Action, dedupeKey string, verdictJSON []byte) ActionResult {
	result := ActionResult{Action: action}

	// Throttle before touching the outbox: a throttled action keeps no
	// record, so a later dispatch retries it.
	if d.limiter != nil && action != policy.ActionQuarantine {
		allowed, err := d.limiter.Allow(ctx, string(action))
		if err != nil {
			d.logger.Warn("dispatch limiter unavailable, proceeding", "action", action, "error", err)
		} else if !allowed {
			result.Outcome = OutcomeThrottled
			return result
		}
	}

	inserted, err := d.outbox.Begin(ctx, &Record{
		DedupeKey:   dedupeKey,
		Action:      string(action),
		ArtifactID:  v.ArtifactID,
		VerdictJSON: verdictJSON,
	})
	if err != nil {
		result.Outcome = OutcomeFailed
		result.Error = err.Error()
		return result
	}
	if !inserted {
		result.Outcome = OutcomeDeduplicated
		return result
	}

	detail, err := d.execute(ctx, v, action, dedupeKey)
	if err != nil {
		result.Outcome = OutcomeFailed
		result.Error = err.Error()
		if markErr := d.outbox.MarkFailed(ctx, dedupeKey, string(action), err.Error()); markErr != nil {
			d.logger.Error("outbox mark failed errored", "action", action, "error", markErr)
		}
		d.logger.Warn("dispatch action failed",
			"artifact", v.ArtifactID, "action", action, "error", err)
		return result
	}

	result.Outcome = OutcomeApplied
	result.Detail = detail
	if markErr := d.outbox.MarkDone(ctx, dedupeKey, string(action)); markErr != nil {
		d.logger.Error("outbox mark done errored", "action", action, "error", markErr)
	}
	d.logger.Info("dispatch action applied",
		"artifact", v.ArtifactID, "action", action, "detail", detail)
	return result
}

func (d *Dispatcher) execute(ctx context.Context, v *evaluate.Verdict, action policy.Action, dedupeKey string) (string, error) {
	switch action {
	case policy.ActionQuarantine:
		return d.doQuarantine(ctx, v)
	case policy.ActionNotify:
		if d.notifier == nil {
			return "", fmt.Errorf("dispatch: notifier not configured")
		}
		return "webhook delivered", d.notifier.Notify(ctx, v)
	case policy.ActionTicket:
		if d.tickets == nil {
			return "", fmt.Errorf("dispatch: ticket client not configured")
		}
		id, err := d.tickets.File(ctx, v, dedupeKey)
		if err != nil {
			return "", err
		}
		return "ticket " + id, nil
	default:
		return "", fmt.Errorf("dispatch: unknown action %q", action)
	}
}

// doQuarantine copies the artifact into the quarantine store, then marks
// the original out of circulation by renaming it. The store write is
// content-addressed and idempotent; the rename tolerates a prior run
// having already moved the file.
func (d *Dispatcher) doQuarantine(ctx context.Context, v *evaluate.Verdict) (string, error) {
	if d.quarantine == nil {
		return "", fmt.Errorf("dispatch: quarantine store not configured")
	}
	if v.Path == "" {
		return "", fmt.Errorf("dispatch: verdict carries no artifact path")
	}

	data, err := os.ReadFile(v.Path) //nolint:gosec // path recorded at inspection time
	if err != nil {
		if os.IsNotExist(err) {
			if _, statErr := os.Stat(v.Path + ".quarantined"); statErr == nil {
				return "already moved", nil
			}
		}
		return "", fmt.Errorf("dispatch: read artifact: %w", err)
	}

	hash, err := d.quarantine.Store(ctx, data)
	if err != nil {
		return "", err
	}

	if err := os.Rename(v.Path, v.Path+".quarantined"); err != nil {
		return "", fmt.Errorf("dispatch: move artifact: %w", err)
	}
	return hash, nil
}

func (d *Dispatcher) lockArtifact(artifactID string) *artifactLock {
	d.mu.Lock()
	lock, ok := d.locks[artifactID]
	if !ok {
		lock = &artifactLock{}
		d.locks[artifactID] = lock
	}
	lock.refs++
	d.mu.Unlock()

	lock.mu.Lock()
	return lock
}

func (d *Dispatcher) unlockArtifact(artifactID string, lock *artifactLock) {
	lock.mu.Unlock()

	d.mu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(d.locks, artifactID)
	}
	d.mu.Unlock()
}
