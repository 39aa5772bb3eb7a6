// Package report aggregates verdicts into signed JSON compliance reports.
package report

import (
	"encoding/base64"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fieldline/drivergate/pkg/canonicalize"
	"github.com/fieldline/drivergate/pkg/evaluate"
)

// Summary holds the report's aggregate counters.
type Summary struct {
	Total            int     `json:"total"`
	Signed           int     `json:"signed"`
	Compliant        int     `json:"compliant"`
	SignedPercent    float64 `json:"signed_percent"`
	CompliantPercent float64 `json:"compliant_percent"`
}

// Report is a point-in-time compliance snapshot over a set of artifacts.
// ContentHash covers everything except the hash and signature fields so a
// consumer can verify the report was not altered in transit.
type Report struct {
	ReportID         string             `json:"report_id"`
	GeneratedAt      time.Time          `json:"generated_at"`
	PolicyRef        string             `json:"policy_ref,omitempty"`
	Summary          Summary            `json:"summary"`
	ViolationsByRule map[string]int     `json:"violations_by_rule"`
	Verdicts         []evaluate.Verdict `json:"verdicts"`
	ContentHash      string             `json:"content_hash"`
	Signature        string             `json:"signature,omitempty"` // base64 ed25519
	PublicKey        string             `json:"public_key,omitempty"`
}

// Builder accumulates verdicts and produces reports. Safe for concurrent
// use. Retention is bounded so a long-lived builder (serve mode) cannot
// grow without limit.
type Builder struct {
	mu         sync.Mutex
	verdicts   []evaluate.Verdict
	clock      func() time.Time
	maxAge     time.Duration
	maxEntries int
}

const defaultMaxEntries = 10000

// NewBuilder creates an empty report builder keeping at most
// defaultMaxEntries verdicts.
func NewBuilder() *Builder {
	return &Builder{clock: time.Now, maxEntries: defaultMaxEntries}
}

// WithClock overrides the clock for testing.
func (b *Builder) WithClock(clock func() time.Time) *Builder {
	b.clock = clock
	return b
}

// WithRetention overrides the retention bounds: verdicts older than
// maxAge are pruned and at most maxEntries newest verdicts are kept.
// A zero value leaves that bound unchanged.
func (b *Builder) WithRetention(maxAge time.Duration, maxEntries int) *Builder {
	b.mu.Lock()
	defer b.mu.Unlock()
	if maxAge > 0 {
		b.maxAge = maxAge
	}
	if maxEntries > 0 {
		b.maxEntries = maxEntries
	}
	return b
}

// Add records a verdict for the next report, pruning anything past the
// retention bounds.
func (b *Builder) Add(v *evaluate.Verdict) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.verdicts = append(b.verdicts, *v)
	b.prune()
}

func (b *Builder) prune() {
	if b.maxAge > 0 {
		cutoff := b.clock().UTC().Add(-b.maxAge)
		kept := b.verdicts[:0]
		for _, v := range b.verdicts {
			if !v.EvaluatedAt.Before(cutoff) {
				kept = append(kept, v)
			}
		}
		b.verdicts = kept
	}
	if b.maxEntries > 0 && len(b.verdicts) > b.maxEntries {
		b.verdicts = b.verdicts[len(b.verdicts)-b.maxEntries:]
	}
}

// Len reports how many verdicts have accumulated.
func (b *Builder) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.verdicts)
}

// Build produces the report. Verdicts are ordered by artifact ID so two
// builds over the same set hash identically. When keyring is non-nil the
// report is signed over its content hash.
func (b *Builder) Build(keyring *Keyring) (*Report, error) {
	b.mu.Lock()
	verdicts := make([]evaluate.Verdict, len(b.verdicts))
	copy(verdicts, b.verdicts)
	now := b.clock().UTC()
	b.mu.Unlock()

	sort.SliceStable(verdicts, func(i, j int) bool {
		if verdicts[i].ArtifactID != verdicts[j].ArtifactID {
			return verdicts[i].ArtifactID < verdicts[j].ArtifactID
		}
		return verdicts[i].Path < verdicts[j].Path
	})

	summary := Summary{Total: len(verdicts)}
	byRule := make(map[string]int)
	policyRef := ""
	for _, v := range verdicts {
		if v.Compliant {
			summary.Compliant++
		}
		for _, rule := range v.ViolatedRules {
			byRule[rule]++
		}
		// Counted from the inspected signature bit, not from must_sign
		// outcomes: an unsigned artifact under a lax policy is still
		// unsigned.
		if v.SignaturePresent {
			summary.Signed++
		}
		if policyRef == "" {
			policyRef = v.PolicyRef
		} else if policyRef != v.PolicyRef {
			policyRef = "mixed"
		}
	}
	if summary.Total > 0 {
		summary.SignedPercent = 100 * float64(summary.Signed) / float64(summary.Total)
		summary.CompliantPercent = 100 * float64(summary.Compliant) / float64(summary.Total)
	}

	rpt := &Report{
		ReportID:         uuid.NewString(),
		GeneratedAt:      now,
		PolicyRef:        policyRef,
		Summary:          summary,
		ViolationsByRule: byRule,
		Verdicts:         verdicts,
	}

	hash, err := contentHash(rpt)
	if err != nil {
		return nil, fmt.Errorf("report: content hash: %w", err)
	}
	rpt.ContentHash = hash

	if keyring != nil {
		sig, err := keyring.Sign([]byte(rpt.ContentHash))
		if err != nil {
			return nil, fmt.Errorf("report: sign: %w", err)
		}
		rpt.Signature = base64.StdEncoding.EncodeToString(sig)
		rpt.PublicKey = base64.StdEncoding.EncodeToString(keyring.PublicKey())
	}
	return rpt, nil
}

// Verify checks the report's content hash and, when present, its signature.
func Verify(rpt *Report) error {
	expected, err := contentHash(rpt)
	if err != nil {
		return fmt.Errorf("report: content hash: %w", err)
	}
	if rpt.ContentHash != expected {
		return fmt.Errorf("report: content hash mismatch")
	}
	if rpt.Signature == "" {
		return nil
	}
	if err := verifySignature(rpt.PublicKey, rpt.ContentHash, rpt.Signature); err != nil {
		return fmt.Errorf("report: %w", err)
	}
	return nil
}

// contentHash hashes the report body, excluding hash and signature fields.
func contentHash(rpt *Report) (string, error) {
	body := struct {
		ReportID         string             `json:"report_id"`
		GeneratedAt      time.Time          `json:"generated_at"`
		PolicyRef        string             `json:"policy_ref,omitempty"`
		Summary          Summary            `json:"summary"`
		ViolationsByRule map[string]int     `json:"violations_by_rule"`
		Verdicts         []evaluate.Verdict `json:"verdicts"`
	}{rpt.ReportID, rpt.GeneratedAt, rpt.PolicyRef, rpt.Summary, rpt.ViolationsByRule, rpt.Verdicts}

	hash, err := canonicalize.CanonicalHash(body)
	if err != nil {
		return "", err
	}
	return "sha256:" + hash, nil
}
