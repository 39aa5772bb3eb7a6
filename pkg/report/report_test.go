package report

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldline/drivergate/pkg/evaluate"
	"github.com/fieldline/drivergate/pkg/policy"
)

func fixedClock() time.Time {
	return time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
}

func sampleVerdicts() []*evaluate.Verdict {
	return []*evaluate.Verdict{
		{
			ArtifactID:       "sha256:ccc",
			Path:             "/drivers/net.sys",
			Platform:         "windows",
			Class:            "kernel",
			SignaturePresent: true,
			Compliant:        true,
			PolicyRef:        "corp-baseline@3",
			VerdictHash:      "sha256:v1",
		},
		{
			ArtifactID:    "sha256:aaa",
			Path:          "/drivers/rogue.sys",
			Platform:      "windows",
			Class:         "kernel",
			Compliant:     false,
			ViolatedRules: []string{evaluate.RuleMustSign, evaluate.RuleWHQL},
			Actions:       []policy.Action{policy.ActionQuarantine},
			PolicyRef:     "corp-baseline@3",
			VerdictHash:   "sha256:v2",
		},
		{
			ArtifactID:       "sha256:bbb",
			Path:             "/drivers/printer.ppd",
			Platform:         "linux",
			Class:            "printer",
			SignaturePresent: true,
			Compliant:        false,
			ViolatedRules:    []string{evaluate.RuleMinDriverVersion},
			Actions:          []policy.Action{policy.ActionNotify},
			PolicyRef:        "corp-baseline@3",
			VerdictHash:      "sha256:v3",
		},
	}
}

func TestBuildSummaryAndOrdering(t *testing.T) {
	b := NewBuilder().WithClock(fixedClock)
	for _, v := range sampleVerdicts() {
		b.Add(v)
	}

	rpt, err := b.Build(nil)
	require.NoError(t, err)

	assert.Equal(t, 3, rpt.Summary.Total)
	assert.Equal(t, 1, rpt.Summary.Compliant)
	assert.Equal(t, 2, rpt.Summary.Signed)
	assert.InDelta(t, 33.33, rpt.Summary.CompliantPercent, 0.01)
	assert.InDelta(t, 66.66, rpt.Summary.SignedPercent, 0.01)

	assert.Equal(t, map[string]int{
		evaluate.RuleMustSign:         1,
		evaluate.RuleWHQL:             1,
		evaluate.RuleMinDriverVersion: 1,
	}, rpt.ViolationsByRule)

	// Verdicts sort by artifact ID regardless of insertion order.
	require.Len(t, rpt.Verdicts, 3)
	assert.Equal(t, "sha256:aaa", rpt.Verdicts[0].ArtifactID)
	assert.Equal(t, "sha256:bbb", rpt.Verdicts[1].ArtifactID)
	assert.Equal(t, "sha256:ccc", rpt.Verdicts[2].ArtifactID)

	assert.Equal(t, "corp-baseline@3", rpt.PolicyRef)
	assert.NotEmpty(t, rpt.ReportID)
	assert.Equal(t, fixedClock(), rpt.GeneratedAt)
}

func TestBuildEmpty(t *testing.T) {
	rpt, err := NewBuilder().WithClock(fixedClock).Build(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, rpt.Summary.Total)
	assert.Zero(t, rpt.Summary.SignedPercent)
	assert.Zero(t, rpt.Summary.CompliantPercent)
	assert.NotEmpty(t, rpt.ContentHash)
}

func TestSignedReportVerifies(t *testing.T) {
	keyring, err := DeriveReportKeyring([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	b := NewBuilder().WithClock(fixedClock)
	for _, v := range sampleVerdicts() {
		b.Add(v)
	}
	rpt, err := b.Build(keyring)
	require.NoError(t, err)

	assert.NotEmpty(t, rpt.Signature)
	assert.NotEmpty(t, rpt.PublicKey)
	require.NoError(t, Verify(rpt))
}

func TestVerifyDetectsTampering(t *testing.T) {
	keyring := NewKeyring(nil)
	b := NewBuilder().WithClock(fixedClock)
	for _, v := range sampleVerdicts() {
		b.Add(v)
	}
	rpt, err := b.Build(keyring)
	require.NoError(t, err)

	rpt.Summary.Compliant = 3
	err = Verify(rpt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "content hash mismatch")
}

func TestVerifyDetectsForgedSignature(t *testing.T) {
	keyring := NewKeyring(nil)
	b := NewBuilder().WithClock(fixedClock)
	b.Add(sampleVerdicts()[0])
	rpt, err := b.Build(keyring)
	require.NoError(t, err)

	other := NewKeyring(nil)
	sig, err := other.Sign([]byte(rpt.ContentHash))
	require.NoError(t, err)
	rpt.Signature = base64.StdEncoding.EncodeToString(sig)

	err = Verify(rpt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signature verification failed")
}

func TestKeyDerivationDeterministic(t *testing.T) {
	seed := []byte("a very serious master seed value")

	k1, err := DeriveReportKeyring(seed)
	require.NoError(t, err)
	k2, err := DeriveReportKeyring(seed)
	require.NoError(t, err)
	assert.Equal(t, k1.PublicKey(), k2.PublicKey())

	k3, err := DeriveReportKeyring([]byte("a different master seed entirely"))
	require.NoError(t, err)
	assert.NotEqual(t, k1.PublicKey(), k3.PublicKey())
}

func TestDeriveRejectsEmptySeed(t *testing.T) {
	_, err := DeriveReportKeyring(nil)
	require.Error(t, err)
}

func TestMixedPolicyRefs(t *testing.T) {
	b := NewBuilder().WithClock(fixedClock)
	vs := sampleVerdicts()
	vs[1].PolicyRef = "other-bundle@1"
	for _, v := range vs {
		b.Add(v)
	}
	rpt, err := b.Build(nil)
	require.NoError(t, err)
	assert.Equal(t, "mixed", rpt.PolicyRef)
}

func TestUnsignedUnderLaxPolicyNotCountedSigned(t *testing.T) {
	b := NewBuilder().WithClock(fixedClock)
	// must_sign is false for this class, so no violation, but the artifact
	// carries no signature.
	b.Add(&evaluate.Verdict{
		ArtifactID:       "sha256:ddd",
		Path:             "/drivers/legacy.ppd",
		Platform:         "linux",
		Class:            "printer",
		SignaturePresent: false,
		Compliant:        true,
		PolicyRef:        "corp-baseline@3",
		VerdictHash:      "sha256:v4",
	})

	rpt, err := b.Build(nil)
	require.NoError(t, err)
	assert.Equal(t, 1, rpt.Summary.Compliant)
	assert.Equal(t, 0, rpt.Summary.Signed)
	assert.Zero(t, rpt.Summary.SignedPercent)
}

func TestBuilderRetentionByCount(t *testing.T) {
	b := NewBuilder().WithClock(fixedClock).WithRetention(0, 2)
	for _, v := range sampleVerdicts() {
		b.Add(v)
	}

	assert.Equal(t, 2, b.Len())
	rpt, err := b.Build(nil)
	require.NoError(t, err)
	assert.Equal(t, 2, rpt.Summary.Total)
	// Oldest insertion dropped; the two most recent remain.
	assert.Equal(t, "sha256:aaa", rpt.Verdicts[0].ArtifactID)
	assert.Equal(t, "sha256:bbb", rpt.Verdicts[1].ArtifactID)
}

func TestBuilderRetentionByAge(t *testing.T) {
	now := fixedClock()
	b := NewBuilder().WithClock(func() time.Time { return now }).WithRetention(24*time.Hour, 0)

	old := sampleVerdicts()[0]
	old.EvaluatedAt = now.Add(-48 * time.Hour)
	b.Add(old)

	fresh := sampleVerdicts()[1]
	fresh.EvaluatedAt = now.Add(-time.Hour)
	b.Add(fresh)

	assert.Equal(t, 1, b.Len())
	rpt, err := b.Build(nil)
	require.NoError(t, err)
	require.Len(t, rpt.Verdicts, 1)
	assert.Equal(t, fresh.ArtifactID, rpt.Verdicts[0].ArtifactID)
}
