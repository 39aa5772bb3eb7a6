package policy

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validBundle = `
version: "1.0.0"
name: corp-signing
policies:
  - platform: windows
    class: kernel
    must_sign: true
    cert_chain_required: true
    whql_required: true
    on_noncompliant: [quarantine, ticket]
  - platform: linux
    class: printer
    must_sign: true
    gpg_signed: true
    min_driver_version: "2.4.0"
  - platform: darwin
    class: userspace
    must_sign: true
    notarized: true
    expression: 'artifact.signer_identity != ""'
`

func writeBundle(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func newLoadedStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	writeBundle(t, dir, "corp.yaml", validBundle)
	store := NewStore(dir, nil)
	require.NoError(t, store.Reload())
	return store
}

func TestReloadAndLookup(t *testing.T) {
	store := newLoadedStore(t)
	snap := store.Snapshot()

	assert.Equal(t, 3, snap.Len())
	assert.Equal(t, "corp-signing@1.0.0", snap.Ref())
	assert.Contains(t, snap.Hash(), "sha256:")

	p, err := snap.Lookup("windows", "kernel")
	require.NoError(t, err)
	assert.True(t, p.MustSign)
	assert.True(t, p.WHQLRequired)
	assert.Equal(t, []Action{ActionQuarantine, ActionTicket}, p.Actions())
}

func TestLookupNotFoundFailsClosed(t *testing.T) {
	store := newLoadedStore(t)

	_, err := store.Snapshot().Lookup("windows", "unheard-of")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPolicyNotFound))
}

func TestDefaultActionIsNotify(t *testing.T) {
	store := newLoadedStore(t)

	p, err := store.Snapshot().Lookup("linux", "printer")
	require.NoError(t, err)
	assert.Equal(t, []Action{ActionNotify}, p.Actions())
}

func TestVersionConstraintCompiled(t *testing.T) {
	store := newLoadedStore(t)

	p, err := store.Snapshot().Lookup("linux", "printer")
	require.NoError(t, err)
	require.NotNil(t, p.VersionConstraint())

	v, err := parseTestVersion("2.5.1")
	require.NoError(t, err)
	assert.True(t, p.VersionConstraint().Check(v))

	v, err = parseTestVersion("2.3.9")
	require.NoError(t, err)
	assert.False(t, p.VersionConstraint().Check(v))
}

func TestDuplicateKeyFailsLoad(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, "a.yaml", `
version: "1"
name: a
policies:
  - {platform: windows, class: kernel, must_sign: true}
`)
	writeBundle(t, dir, "b.yaml", `
version: "1"
name: b
policies:
  - {platform: windows, class: kernel, must_sign: false}
`)

	store := NewStore(dir, nil)
	err := store.Reload()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate policy")
}

func TestFailedReloadKeepsPreviousSnapshot(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, "corp.yaml", validBundle)

	store := NewStore(dir, nil)
	require.NoError(t, store.Reload())
	before := store.Snapshot()

	// Corrupt the bundle; reload must fail and leave the snapshot intact.
	writeBundle(t, dir, "corp.yaml", "version: [broken")
	require.Error(t, store.Reload())

	assert.Same(t, before, store.Snapshot())
	_, err := store.Snapshot().Lookup("windows", "kernel")
	assert.NoError(t, err)
}

func TestSchemaRejectsUnknownPlatform(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, "bad.yaml", `
version: "1"
name: bad
policies:
  - {platform: beos, class: kernel, must_sign: true}
`)

	store := NewStore(dir, nil)
	err := store.Reload()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema validation")
}

func TestSchemaRejectsUnknownField(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, "bad.yaml", `
version: "1"
name: bad
policies:
  - {platform: windows, class: kernel, must_be_signed: true}
`)

	store := NewStore(dir, nil)
	require.Error(t, store.Reload())
}

func TestBadExpressionFailsLoad(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, "bad.yaml", `
version: "1"
name: bad
policies:
  - {platform: windows, class: kernel, expression: "artifact.signer_identity +"}
`)

	store := NewStore(dir, nil)
	err := store.Reload()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expression compile failed")
}

func TestSnapshotHashStableAcrossReloads(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, "corp.yaml", validBundle)

	store := NewStore(dir, nil)
	require.NoError(t, store.Reload())
	h1 := store.Snapshot().Hash()
	require.NoError(t, store.Reload())
	assert.Equal(t, h1, store.Snapshot().Hash())
}
