package policy

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/fieldline/drivergate/pkg/canonicalize"
)

// Store holds the active policy snapshot and reloads bundles from a
// directory of YAML files.
type Store struct {
	bundleDir string
	current   atomic.Pointer[Snapshot]
	logger    *slog.Logger
}

// NewStore creates a policy store reading bundles from bundleDir.
// The store starts empty; call Reload before evaluating.
func NewStore(bundleDir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{bundleDir: bundleDir, logger: logger}
	s.current.Store(&Snapshot{table: map[Key]*Policy{}})
	return s
}

// Snapshot returns the current policy snapshot. The returned value is
// immutable and safe to share across evaluations.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Reload loads every *.yaml / *.yml bundle in the bundle directory,
// validates them, and atomically replaces the active snapshot.
//
// On any error the previous snapshot stays active: there is no partial
// policy window.
func (s *Store) Reload() error {
	entries, err := os.ReadDir(s.bundleDir)
	if err != nil {
		return fmt.Errorf("policy: read dir %s: %w", s.bundleDir, err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		paths = append(paths, filepath.Join(s.bundleDir, entry.Name()))
	}
	sort.Strings(paths)

	if len(paths) == 0 {
		return fmt.Errorf("policy: no bundles in %s", s.bundleDir)
	}

	table := make(map[Key]*Policy)
	var refs []string
	var hashInputs []any
	for _, path := range paths {
		bundle, err := loadBundle(path)
		if err != nil {
			return fmt.Errorf("policy: load %s: %w", filepath.Base(path), err)
		}
		for _, p := range bundle.Policies {
			key := p.Key()
			if _, dup := table[key]; dup {
				return fmt.Errorf("policy: duplicate policy for %s in %s", key, filepath.Base(path))
			}
			table[key] = p
		}
		refs = append(refs, bundle.Name+"@"+bundle.Version)
		hashInputs = append(hashInputs, bundle)
	}

	hash, err := canonicalize.CanonicalHash(hashInputs)
	if err != nil {
		return fmt.Errorf("policy: snapshot hash: %w", err)
	}

	snap := &Snapshot{
		table:    table,
		ref:      strings.Join(refs, ","),
		hash:     "sha256:" + hash,
		loadedAt: time.Now().UTC(),
	}
	s.current.Store(snap)

	s.logger.Info("policy snapshot activated",
		"bundles", len(paths),
		"policies", len(table),
		"ref", snap.ref,
		"hash", snap.hash)
	return nil
}

// loadBundle parses and validates one YAML bundle and compiles its
// per-policy semver constraints and CEL expressions.
func loadBundle(path string) (*Bundle, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // path comes from the configured bundle dir
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}

	// Schema validation runs against the generic decode so unknown fields
	// and type mismatches are rejected before the typed decode.
	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("yaml decode: %w", err)
	}
	if err := validateBundle(generic); err != nil {
		return nil, err
	}

	var bundle Bundle
	if err := yaml.Unmarshal(raw, &bundle); err != nil {
		return nil, fmt.Errorf("bundle decode: %w", err)
	}

	for _, p := range bundle.Policies {
		if p.MinDriverVersion != "" {
			c, err := semver.NewConstraint(">= " + strings.TrimSpace(p.MinDriverVersion))
			if err != nil {
				// Allow full constraint syntax too ("> 1.0, < 2.0").
				c, err = semver.NewConstraint(p.MinDriverVersion)
				if err != nil {
					return nil, fmt.Errorf("policy %s: min_driver_version %q: %w", p.Key(), p.MinDriverVersion, err)
				}
			}
			p.versionConstraint = c
		}
		if p.Expression != "" {
			prg, err := compileExpression(p.Expression)
			if err != nil {
				return nil, fmt.Errorf("policy %s: %w", p.Key(), err)
			}
			p.program = prg
		}
	}

	return &bundle, nil
}
