// Package inspect extracts signing metadata from driver artifacts.
//
// The inspector prefers a CI-produced metadata sidecar
// (<artifact>.sigmeta.json) over format probing: the sidecar is typed
// structured input written at build time, which replaces parsing signing
// tool stdout. When no sidecar exists, per-platform structural probes
// detect signature presence (PE security directory, Mach-O code signature
// load command, detached GPG signature sidecars).
//
// Inspection does not perform full cryptographic verification of
// Authenticode chains or notarization tickets; chain validity is carried
// by the sidecar.
package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	"golang.org/x/text/unicode/norm"
)

// ErrUnreadableArtifact indicates the artifact could not be parsed for its
// platform's signature format. It is surfaced, never retried: a malformed
// artifact is a policy concern, not a transient fault.
var ErrUnreadableArtifact = errors.New("inspect: unreadable artifact")

// SidecarSuffix is appended to the artifact path to locate its metadata
// sidecar.
const SidecarSuffix = ".sigmeta.json"

// Metadata is the inspected signing state of one driver artifact.
// Immutable once evaluated.
type Metadata struct {
	Path     string `json:"path"`
	Platform string `json:"platform"`
	Class    string `json:"class"`
	Digest   string `json:"digest"`

	DriverVersion string `json:"driver_version,omitempty"`

	SignaturePresent bool   `json:"signature_present"`
	SignerIdentity   string `json:"signer_identity,omitempty"`
	CertChainValid   bool   `json:"cert_chain_valid"`

	CatalogPresent            bool `json:"catalog_present"`
	WHQLCertified             bool `json:"whql_certified"`
	NotarizationTicketPresent bool `json:"notarization_ticket_present"`
	GPGSignaturePresent       bool `json:"gpg_signature_present"`

	InspectedAt time.Time `json:"inspected_at"`
}

// ArtifactID returns the stable identifier used for verdict dedupe: the
// content digest when known, otherwise a digest of the source path.
func (m *Metadata) ArtifactID() string {
	if m.Digest != "" {
		return m.Digest
	}
	return digest.FromString(m.Path).String()
}

// AsInput converts the metadata into the CEL evaluation input map.
func (m *Metadata) AsInput() map[string]any {
	return map[string]any{
		"path":                        m.Path,
		"platform":                    m.Platform,
		"class":                       m.Class,
		"digest":                      m.Digest,
		"driver_version":              m.DriverVersion,
		"signature_present":           m.SignaturePresent,
		"signer_identity":             m.SignerIdentity,
		"cert_chain_valid":            m.CertChainValid,
		"catalog_present":             m.CatalogPresent,
		"whql_certified":              m.WHQLCertified,
		"notarization_ticket_present": m.NotarizationTicketPresent,
		"gpg_signature_present":       m.GPGSignaturePresent,
	}
}

// Inspector inspects driver artifacts for signing metadata.
type Inspector struct {
	plugins *PluginRunner // optional; nil disables WASM inspectors
	clock   func() time.Time
}

// Option configures an Inspector.
type Option func(*Inspector)

// WithPlugins wires a WASM plugin runner consulted for artifact extensions
// no built-in probe recognizes.
func WithPlugins(pr *PluginRunner) Option {
	return func(i *Inspector) { i.plugins = pr }
}

// WithClock overrides the inspection timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(i *Inspector) { i.clock = clock }
}

// New creates an Inspector.
func New(opts ...Option) *Inspector {
	i := &Inspector{clock: time.Now}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Inspect extracts signing metadata from the artifact at path.
func (i *Inspector) Inspect(ctx context.Context, path string) (*Metadata, error) {
	f, err := os.Open(path) //nolint:gosec // operator-supplied artifact path
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreadableArtifact, path, err)
	}
	defer f.Close() //nolint:errcheck // read-only handle

	dgst, err := digest.FromReader(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: digest: %v", ErrUnreadableArtifact, path, err)
	}

	// Sidecar wins outright: it is the build system's typed statement of
	// signing state.
	if md, ok, err := i.loadSidecar(path); err != nil {
		return nil, err
	} else if ok {
		md.Digest = dgst.String()
		md.InspectedAt = i.clock().UTC()
		normalize(md)
		return md, nil
	}

	md := &Metadata{
		Path:        path,
		Digest:      dgst.String(),
		InspectedAt: i.clock().UTC(),
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".sys", ".dll", ".exe", ".cat":
		md.Platform = "windows"
		md.Class = classForExt(ext)
		err = probeWindows(path, md)
	case ".kext", ".dylib", ".pkg", ".bundle":
		md.Platform = "darwin"
		md.Class = classForExt(ext)
		err = probeDarwin(path, md)
	case ".ko", ".so", ".ppd", ".deb", ".rpm":
		md.Platform = "linux"
		md.Class = classForExt(ext)
		err = probeLinux(path, md)
	default:
		if i.plugins != nil {
			return i.plugins.Inspect(ctx, path, md)
		}
		return nil, fmt.Errorf("%w: %s: unrecognized artifact format %q", ErrUnreadableArtifact, path, ext)
	}
	if err != nil {
		return nil, err
	}

	normalize(md)
	return md, nil
}

// loadSidecar reads <path>.sigmeta.json when present.
func (i *Inspector) loadSidecar(path string) (*Metadata, bool, error) {
	sidecarPath := path + SidecarSuffix
	raw, err := os.ReadFile(sidecarPath) //nolint:gosec // derived from artifact path
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: sidecar %s: %v", ErrUnreadableArtifact, sidecarPath, err)
	}

	var md Metadata
	if err := json.Unmarshal(raw, &md); err != nil {
		return nil, false, fmt.Errorf("%w: sidecar %s: %v", ErrUnreadableArtifact, sidecarPath, err)
	}
	if md.Platform == "" || md.Class == "" {
		return nil, false, fmt.Errorf("%w: sidecar %s: platform and class are required", ErrUnreadableArtifact, sidecarPath)
	}
	md.Path = path
	return &md, true, nil
}

// classForExt infers the driver class from the artifact extension. A
// sidecar or plugin can always override it.
func classForExt(ext string) string {
	switch ext {
	case ".sys", ".cat", ".kext", ".ko":
		return "kernel"
	case ".ppd":
		return "printer"
	default:
		return "userspace"
	}
}

// normalize canonicalizes free-form metadata fields. Signer identities come
// from certificate subjects in assorted encodings; NFC keeps allowlist
// comparison byte-stable.
func normalize(md *Metadata) {
	md.SignerIdentity = norm.NFC.String(strings.TrimSpace(md.SignerIdentity))
	md.Platform = strings.ToLower(md.Platform)
	md.Class = strings.ToLower(md.Class)
}
