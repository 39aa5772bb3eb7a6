// Package policy provides the signing-policy store: per-platform,
// per-driver-class rule sets loaded from YAML bundles.
//
// The active policy table is an immutable snapshot. Reload builds a
// complete new table and swaps it atomically, so readers never observe a
// partially loaded policy set. Lookup is fail-closed: an unknown
// (platform, class) pair returns ErrPolicyNotFound and the caller must
// treat the artifact as non-compliant.
package policy

import (
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/cel-go/cel"
)

// ErrPolicyNotFound indicates no policy covers the (platform, class) pair.
// Evaluation fails closed on this error. It is never silently skipped.
var ErrPolicyNotFound = errors.New("policy: no policy for platform/class")

// Action names a remediation step taken for a non-compliant artifact.
type Action string

const (
	ActionQuarantine Action = "quarantine"
	ActionNotify     Action = "notify"
	ActionTicket     Action = "ticket"
)

// Key identifies a policy by platform and driver class.
type Key struct {
	Platform string
	Class    string
}

func (k Key) String() string {
	return k.Platform + "/" + k.Class
}

// Policy is the signing rule set for one (platform, driver class) pair.
type Policy struct {
	Platform string `yaml:"platform" json:"platform"`
	Class    string `yaml:"class" json:"class"`

	MustSign          bool `yaml:"must_sign" json:"must_sign"`
	CertChainRequired bool `yaml:"cert_chain_required" json:"cert_chain_required"`
	WHQLRequired      bool `yaml:"whql_required" json:"whql_required"`
	Notarized         bool `yaml:"notarized" json:"notarized"`
	GPGSigned         bool `yaml:"gpg_signed" json:"gpg_signed"`

	// AllowedSigners, when non-empty, restricts the signer identity to the
	// listed values.
	AllowedSigners []string `yaml:"allowed_signers,omitempty" json:"allowed_signers,omitempty"`

	// MinDriverVersion is a semver constraint (e.g. ">= 2.4.0") applied to
	// the artifact's driver version.
	MinDriverVersion string `yaml:"min_driver_version,omitempty" json:"min_driver_version,omitempty"`

	// Expression is an optional CEL predicate over the inspected artifact
	// metadata for rules the fixed booleans cannot express. It must
	// evaluate to true for the artifact to be compliant.
	Expression string `yaml:"expression,omitempty" json:"expression,omitempty"`

	// OnNoncompliant lists the actions dispatched when the artifact fails
	// evaluation. Defaults to ["notify"] when empty.
	OnNoncompliant []Action `yaml:"on_noncompliant,omitempty" json:"on_noncompliant,omitempty"`

	// Compiled at load time; nil when the corresponding field is unset.
	versionConstraint *semver.Constraints
	program           cel.Program
}

// Key returns the lookup key for this policy.
func (p *Policy) Key() Key {
	return Key{Platform: p.Platform, Class: p.Class}
}

// VersionConstraint returns the compiled semver constraint, or nil.
func (p *Policy) VersionConstraint() *semver.Constraints {
	return p.versionConstraint
}

// Program returns the compiled CEL program, or nil.
func (p *Policy) Program() cel.Program {
	return p.program
}

// Actions returns the configured non-compliance actions, defaulting to
// notify when the bundle leaves the list empty.
func (p *Policy) Actions() []Action {
	if len(p.OnNoncompliant) == 0 {
		return []Action{ActionNotify}
	}
	return p.OnNoncompliant
}

// Bundle is a versioned collection of policies, one YAML document.
type Bundle struct {
	Version   string    `yaml:"version" json:"version"`
	Name      string    `yaml:"name" json:"name"`
	Policies  []*Policy `yaml:"policies" json:"policies"`
	CreatedAt time.Time `yaml:"created_at,omitempty" json:"created_at,omitempty"`
}

// Snapshot is an immutable view of the active policy table.
//
// Snapshots are safe for concurrent use; all mutation happens before the
// snapshot is published via the store's atomic pointer.
type Snapshot struct {
	table    map[Key]*Policy
	ref      string // bundle name@version, stable across identical loads
	hash     string // content hash of the canonical bundle set
	loadedAt time.Time
}

// Lookup resolves the policy for a (platform, class) pair.
func (s *Snapshot) Lookup(platform, class string) (*Policy, error) {
	p, ok := s.table[Key{Platform: platform, Class: class}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrPolicyNotFound, platform, class)
	}
	return p, nil
}

// Ref returns a stable reference for the loaded policy set, bound into
// verdicts for reproducible reporting.
func (s *Snapshot) Ref() string {
	return s.ref
}

// Hash returns the content hash of the loaded policy set.
func (s *Snapshot) Hash() string {
	return s.hash
}

// LoadedAt returns the wall-clock load time of this snapshot.
func (s *Snapshot) LoadedAt() time.Time {
	return s.loadedAt
}

// Len returns the number of policies in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.table)
}

// Policies returns all policies in the snapshot in unspecified order.
func (s *Snapshot) Policies() []*Policy {
	out := make([]*Policy, 0, len(s.table))
	for _, p := range s.table {
		out = append(out, p)
	}
	return out
}
