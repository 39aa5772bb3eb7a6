package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCSKeyOrdering(t *testing.T) {
	out, err := JCS(map[string]any{"b": 2, "a": 1, "c": 3})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2,"c":3}`, string(out))
}

func TestJCSNoHTMLEscaping(t *testing.T) {
	out, err := JCS(map[string]string{"url": "https://example.com/a?b=1&c=2"})
	require.NoError(t, err)
	assert.Contains(t, string(out), "b=1&c=2")
}

func TestJCSStructTagsRespected(t *testing.T) {
	type verdict struct {
		ArtifactID string `json:"artifact_id"`
		Compliant  bool   `json:"compliant"`
	}

	out, err := JCS(verdict{ArtifactID: "sha256:abc", Compliant: false})
	require.NoError(t, err)
	assert.Equal(t, `{"artifact_id":"sha256:abc","compliant":false}`, string(out))
}

func TestCanonicalHashStable(t *testing.T) {
	v := map[string]any{"x": []string{"p", "q"}, "y": 42}

	h1, err := CanonicalHash(v)
	require.NoError(t, err)
	h2, err := CanonicalHash(v)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestCanonicalHashOrderIndependent(t *testing.T) {
	h1, err := CanonicalHash(map[string]int{"a": 1, "b": 2})
	require.NoError(t, err)
	h2, err := CanonicalHash(map[string]int{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}
