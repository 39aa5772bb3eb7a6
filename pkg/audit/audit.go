// Package audit keeps an append-only, hash-chained trail of evaluator
// activity. Each event's hash covers the previous event's hash, so any
// retroactive edit breaks the chain and is caught by Verify.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fieldline/drivergate/pkg/canonicalize"
)

var (
	ErrChainBroken = errors.New("audit: hash chain is broken")
)

// EventType categorizes audit events.
type EventType string

const (
	EventEvaluation EventType = "EVALUATION"
	EventDispatch   EventType = "DISPATCH"
	EventPolicy     EventType = "POLICY"
	EventSystem     EventType = "SYSTEM"
)

// genesisHash anchors the first event in a trail.
const genesisHash = "genesis"

// Event is one immutable audit record.
type Event struct {
	ID        string         `json:"id"`
	Sequence  uint64         `json:"sequence"`
	Timestamp time.Time      `json:"timestamp"`
	Type      EventType      `json:"type"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	PrevHash  string         `json:"prev_hash"`
	Hash      string         `json:"hash"`
}

// hashEvent computes the chained hash over the event's identifying fields.
// Metadata is included through canonical JSON so map ordering cannot
// change the hash.
func hashEvent(e *Event) (string, error) {
	body := struct {
		ID        string         `json:"id"`
		Sequence  uint64         `json:"sequence"`
		Timestamp time.Time      `json:"timestamp"`
		Type      EventType      `json:"type"`
		Action    string         `json:"action"`
		Resource  string         `json:"resource"`
		Metadata  map[string]any `json:"metadata,omitempty"`
		PrevHash  string         `json:"prev_hash"`
	}{e.ID, e.Sequence, e.Timestamp, e.Type, e.Action, e.Resource, e.Metadata, e.PrevHash}

	hash, err := canonicalize.CanonicalHash(body)
	if err != nil {
		return "", err
	}
	return "sha256:" + hash, nil
}

// Trail is an append-only audit log. Events stream to the writer as JSON
// lines while the chain head stays in memory for linking. Sinks mirror
// each event into secondary stores.
type Trail struct {
	mu       sync.Mutex
	writer   io.Writer
	sinks    []func(*Event) error
	sequence uint64
	head     string
	clock    func() time.Time
}

// NewTrail creates a trail writing JSONL events to w.
func NewTrail(w io.Writer) *Trail {
	return &Trail{writer: w, head: genesisHash, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (t *Trail) WithClock(clock func() time.Time) *Trail {
	t.clock = clock
	return t
}

// WithSink adds a secondary event destination, e.g. SQLiteStore.Sink.
// Sinks run after the stream write; a sink error surfaces to the caller
// but the stream remains the source of truth and the chain advances.
func (t *Trail) WithSink(sink func(*Event) error) *Trail {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sinks = append(t.sinks, sink)
	return t
}

// Record appends an event and returns it with its chain hash filled in.
func (t *Trail) Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]any) (*Event, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sequence++
	event := &Event{
		ID:        uuid.NewString(),
		Sequence:  t.sequence,
		Timestamp: t.clock().UTC(),
		Type:      eventType,
		Action:    action,
		Resource:  resource,
		Metadata:  metadata,
		PrevHash:  t.head,
	}

	hash, err := hashEvent(event)
	if err != nil {
		t.sequence--
		return nil, fmt.Errorf("audit: hash event: %w", err)
	}
	event.Hash = hash

	line, err := json.Marshal(event)
	if err != nil {
		t.sequence--
		return nil, fmt.Errorf("audit: marshal event: %w", err)
	}
	if _, err := t.writer.Write(append(line, '\n')); err != nil {
		t.sequence--
		return nil, fmt.Errorf("audit: write event: %w", err)
	}

	t.head = event.Hash

	for _, sink := range t.sinks {
		if err := sink(event); err != nil {
			return event, fmt.Errorf("audit: sink: %w", err)
		}
	}
	return event, nil
}

// Head returns the current chain head hash.
func (t *Trail) Head() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.head
}

// VerifyEvents checks a sequence of events for chain integrity: hashes
// recompute, links match, and sequence numbers are contiguous from 1.
func VerifyEvents(events []*Event) error {
	expectedPrev := genesisHash
	for i, e := range events {
		if e.Sequence != uint64(i+1) {
			return fmt.Errorf("%w: entry %d has sequence %d, want %d", ErrChainBroken, i, e.Sequence, i+1)
		}
		if e.PrevHash != expectedPrev {
			return fmt.Errorf("%w: entry %d links to %s, want %s", ErrChainBroken, i, e.PrevHash, expectedPrev)
		}
		recomputed, err := hashEvent(e)
		if err != nil {
			return fmt.Errorf("audit: rehash entry %d: %w", i, err)
		}
		if recomputed != e.Hash {
			return fmt.Errorf("%w: entry %d hash mismatch", ErrChainBroken, i)
		}
		expectedPrev = e.Hash
	}
	return nil
}

// ReadEvents decodes a JSONL event stream, such as a trail file.
func ReadEvents(r io.Reader) ([]*Event, error) {
	dec := json.NewDecoder(r)
	var events []*Event
	for {
		var e Event
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				return events, nil
			}
			return nil, fmt.Errorf("audit: decode event: %w", err)
		}
		events = append(events, &e)
	}
}

// VerifyStream reads a JSONL event stream and verifies its chain.
func VerifyStream(r io.Reader) (int, error) {
	events, err := ReadEvents(r)
	if err != nil {
		return 0, err
	}
	return len(events), VerifyEvents(events)
}
