// Package evaluate compares inspected artifact metadata against signing
// policy and produces verdicts.
//
// Rule evaluation order is fixed and deterministic so the violated-rules
// sequence is reproducible across runs, which keeps reports diffable.
// Every failure path is fail-closed: a missing policy or a broken policy
// expression yields a non-compliant verdict, never a silent skip.
package evaluate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fieldline/drivergate/pkg/canonicalize"
	"github.com/fieldline/drivergate/pkg/inspect"
	"github.com/fieldline/drivergate/pkg/observability"
	"github.com/fieldline/drivergate/pkg/policy"
)

// Rule names, in evaluation order. The order is part of the public
// contract: violated-rules sequences compare stably across runs.
const (
	RulePolicyNotFound   = "policy_not_found"
	RuleMustSign         = "must_sign"
	RuleCertChain        = "cert_chain_required"
	RuleWHQL             = "whql_required"
	RuleNotarized        = "notarized"
	RuleGPG              = "gpg_signed"
	RuleAllowedSigners   = "allowed_signers"
	RuleMinDriverVersion = "min_driver_version"
	RuleExpression       = "expression"
)

// Verdict is the evaluation outcome for one artifact. Derived from the
// artifact and the active policy snapshot; not mutated after creation.
type Verdict struct {
	ArtifactID string `json:"artifact_id"`
	Path       string `json:"path,omitempty"`
	Digest     string `json:"digest,omitempty"`
	Platform   string `json:"platform"`
	Class      string `json:"class"`

	// SignaturePresent mirrors the inspected signature bit so report
	// aggregates count actual signatures, not just must_sign outcomes.
	SignaturePresent bool `json:"signature_present"`

	Compliant     bool     `json:"compliant"`
	ViolatedRules []string `json:"violated_rules"`

	// Actions holds the remediation steps configured for this policy,
	// empty for compliant verdicts.
	Actions []policy.Action `json:"actions,omitempty"`

	PolicyRef   string    `json:"policy_ref"`
	EvaluatedAt time.Time `json:"evaluated_at"`

	// VerdictHash is the SHA-256 of the JCS-canonical verdict core
	// (artifact ID, digest, compliance, violated rules, policy ref). It is
	// the dispatch dedupe key component and excludes the timestamp.
	VerdictHash string `json:"verdict_hash"`
}

// Evaluator evaluates artifacts against the active policy snapshot.
type Evaluator struct {
	store   *policy.Store
	logger  *slog.Logger
	tracer  trace.Tracer
	clock   func() time.Time
	metrics *observability.Provider // optional
}

// New creates an Evaluator bound to a policy store.
func New(store *policy.Store, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		store:  store,
		logger: logger,
		tracer: otel.Tracer("drivergate/evaluate"),
		clock:  time.Now,
	}
}

// WithClock overrides the verdict timestamp source.
func (e *Evaluator) WithClock(clock func() time.Time) *Evaluator {
	e.clock = clock
	return e
}

// WithMetrics wires evaluation counters and duration tracking.
func (e *Evaluator) WithMetrics(p *observability.Provider) *Evaluator {
	e.metrics = p
	return e
}

// Evaluate produces a verdict for the inspected artifact. The error return
// covers internal failures only (hashing); policy misses and rule
// violations are expressed in the verdict, fail-closed.
func (e *Evaluator) Evaluate(ctx context.Context, md *inspect.Metadata) (*Verdict, error) {
	if e.metrics == nil {
		return e.evaluate(ctx, md)
	}

	ctx, done := e.metrics.TrackOperation(ctx, "evaluate",
		attribute.String("artifact.platform", md.Platform),
		attribute.String("artifact.class", md.Class))
	v, err := e.evaluate(ctx, md)
	done(err)
	if err == nil {
		e.metrics.RecordEvaluation(ctx, v.Compliant, len(v.ViolatedRules),
			attribute.String("artifact.platform", md.Platform))
	}
	return v, err
}

func (e *Evaluator) evaluate(ctx context.Context, md *inspect.Metadata) (*Verdict, error) {
	ctx, span := e.tracer.Start(ctx, "evaluate.Evaluate",
		trace.WithAttributes(
			attribute.String("artifact.platform", md.Platform),
			attribute.String("artifact.class", md.Class),
		))
	defer span.End()
	_ = ctx

	snap := e.store.Snapshot()
	v := &Verdict{
		ArtifactID:       md.ArtifactID(),
		Path:             md.Path,
		Digest:           md.Digest,
		Platform:         md.Platform,
		Class:            md.Class,
		SignaturePresent: md.SignaturePresent,
		PolicyRef:        snap.Ref(),
		EvaluatedAt:      e.clock().UTC(),
	}

	pol, err := snap.Lookup(md.Platform, md.Class)
	if err != nil {
		if !errors.Is(err, policy.ErrPolicyNotFound) {
			return nil, err
		}
		// Fail closed: unknown platform/class is a violation, not a skip.
		v.ViolatedRules = []string{RulePolicyNotFound}
		v.Actions = []policy.Action{policy.ActionNotify}
		return e.finalize(v)
	}

	v.ViolatedRules = e.violations(md, pol)
	v.Compliant = len(v.ViolatedRules) == 0
	if !v.Compliant {
		v.Actions = pol.Actions()
	}
	return e.finalize(v)
}

// violations applies the rules in their fixed order and returns the names
// of those the artifact fails.
func (e *Evaluator) violations(md *inspect.Metadata, pol *policy.Policy) []string {
	var violated []string

	if pol.MustSign && !md.SignaturePresent {
		violated = append(violated, RuleMustSign)
	}
	if pol.CertChainRequired && !md.CertChainValid {
		violated = append(violated, RuleCertChain)
	}
	if pol.WHQLRequired && !md.WHQLCertified {
		violated = append(violated, RuleWHQL)
	}
	if pol.Notarized && !md.NotarizationTicketPresent {
		violated = append(violated, RuleNotarized)
	}
	if pol.GPGSigned && !md.GPGSignaturePresent {
		violated = append(violated, RuleGPG)
	}
	if len(pol.AllowedSigners) > 0 && !signerAllowed(md.SignerIdentity, pol.AllowedSigners) {
		violated = append(violated, RuleAllowedSigners)
	}
	if c := pol.VersionConstraint(); c != nil {
		if !versionSatisfies(md.DriverVersion, c) {
			violated = append(violated, RuleMinDriverVersion)
		}
	}
	if prg := pol.Program(); prg != nil {
		input := map[string]any{
			"artifact": md.AsInput(),
			"now":      e.clock().Unix(),
		}
		ok, err := policy.EvalExpression(prg, input)
		if err != nil {
			// Fail closed on expression errors.
			e.logger.Warn("policy expression failed, treating as violation",
				"policy", pol.Key(), "error", err)
			ok = false
		}
		if !ok {
			violated = append(violated, RuleExpression)
		}
	}
	return violated
}

func (e *Evaluator) finalize(v *Verdict) (*Verdict, error) {
	hash, err := verdictHash(v)
	if err != nil {
		return nil, err
	}
	v.VerdictHash = hash
	return v, nil
}

func signerAllowed(identity string, allowed []string) bool {
	if identity == "" {
		return false
	}
	for _, a := range allowed {
		if identity == a {
			return true
		}
	}
	return false
}

// versionSatisfies checks a driver version against the policy floor. A
// missing or unparseable version fails closed.
func versionSatisfies(version string, c *semver.Constraints) bool {
	if version == "" {
		return false
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return false
	}
	return c.Check(v)
}

// verdictHash computes the deterministic dedupe hash over the verdict
// core, excluding the timestamp so retries of the same verdict hash
// identically.
func verdictHash(v *Verdict) (string, error) {
	core := struct {
		ArtifactID    string   `json:"artifact_id"`
		Digest        string   `json:"digest"`
		Compliant     bool     `json:"compliant"`
		ViolatedRules []string `json:"violated_rules"`
		PolicyRef     string   `json:"policy_ref"`
	}{
		ArtifactID:    v.ArtifactID,
		Digest:        v.Digest,
		Compliant:     v.Compliant,
		ViolatedRules: v.ViolatedRules,
		PolicyRef:     v.PolicyRef,
	}

	hash, err := canonicalize.CanonicalHash(core)
	if err != nil {
		return "", fmt.Errorf("evaluate: verdict hash: %w", err)
	}
	return "sha256:" + hash, nil
}
