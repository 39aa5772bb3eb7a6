package policy

import (
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseTestVersion(s string) (*semver.Version, error) {
	return semver.NewVersion(s)
}

func TestEvalExpression(t *testing.T) {
	prg, err := compileExpression(`artifact.signer_identity == "ACME Corp" && artifact.signature_present`)
	require.NoError(t, err)

	input := map[string]any{
		"artifact": map[string]any{
			"signer_identity":   "ACME Corp",
			"signature_present": true,
		},
		"now": int64(1700000000),
	}

	ok, err := EvalExpression(prg, input)
	require.NoError(t, err)
	assert.True(t, ok)

	input["artifact"].(map[string]any)["signer_identity"] = "Mallory"
	ok, err = EvalExpression(prg, input)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvalExpressionMissingFieldErrors(t *testing.T) {
	prg, err := compileExpression(`artifact.no_such_field == "x"`)
	require.NoError(t, err)

	_, err = EvalExpression(prg, map[string]any{
		"artifact": map[string]any{"signature_present": true},
		"now":      int64(0),
	})
	assert.Error(t, err)
}

func TestCompileRejectsNonBool(t *testing.T) {
	_, err := compileExpression(`"not a predicate"`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must evaluate to bool")
}
