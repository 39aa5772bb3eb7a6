// Package quarantine provides content-addressed storage for driver
// artifacts pulled out of circulation by the dispatcher.
//
// Backends: local filesystem (default), S3, and GCS (build tag gcp). All
// writes are idempotent: storing the same bytes twice returns the same
// hash without a second upload, which keeps quarantine dispatch retries
// side-effect free.
package quarantine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Store is the contract for quarantine backends.
type Store interface {
	// Store persists data and returns its content hash (sha256:...).
	Store(ctx context.Context, data []byte) (string, error)
	// Get retrieves data by its content hash.
	Get(ctx context.Context, hash string) ([]byte, error)
	// Exists checks if an artifact is quarantined by its content hash.
	Exists(ctx context.Context, hash string) (bool, error)
	// Delete removes a quarantined artifact (release after remediation).
	Delete(ctx context.Context, hash string) error
}

// FileStore is a filesystem-backed implementation of Store.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates a quarantine store at the specified directory.
func NewFileStore(baseDir string) (*FileStore, error) {
	//nolint:gosec // G301: 0755 is intentional for the shared quarantine directory
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("quarantine: ensure dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) Store(ctx context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hashStr := hex.EncodeToString(sum(data))
	prefixedHash := "sha256:" + hashStr

	path := filepath.Join(s.baseDir, hashStr+".blob")

	// Idempotent: an existing blob with this hash is the same bytes.
	if _, err := os.Stat(path); err == nil {
		return prefixedHash, nil
	}

	// Write to temp, then rename for atomicity.
	tmpPath := path + ".tmp"
	//nolint:gosec // G306: 0644 is intentional for readable blob files
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return "", fmt.Errorf("quarantine: write blob: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return "", fmt.Errorf("quarantine: commit blob: %w", err)
	}

	return prefixedHash, nil
}

func (s *FileStore) Get(ctx context.Context, hash string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rawHash, err := parseHash(hash)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(s.baseDir, rawHash+".blob")
	f, err := os.Open(path) //nolint:gosec // hash validated as hex
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("quarantine: artifact not found: %s", hash)
		}
		return nil, fmt.Errorf("quarantine: open blob: %w", err)
	}
	defer f.Close() //nolint:errcheck // best-effort close

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("quarantine: read blob: %w", err)
	}
	return data, nil
}

func (s *FileStore) Exists(ctx context.Context, hash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rawHash, err := parseHash(hash)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(filepath.Join(s.baseDir, rawHash+".blob"))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("quarantine: stat blob: %w", err)
}

func (s *FileStore) Delete(ctx context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rawHash, err := parseHash(hash)
	if err != nil {
		return err
	}

	err = os.Remove(filepath.Join(s.baseDir, rawHash+".blob"))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("quarantine: delete blob: %w", err)
	}
	return nil
}

func sum(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

// parseHash validates a "sha256:<hex>" reference and returns the hex part.
func parseHash(hash string) (string, error) {
	if len(hash) < 8 || hash[:7] != "sha256:" {
		return "", fmt.Errorf("quarantine: invalid hash format: %s", hash)
	}
	rawHash := hash[7:]
	if _, err := hex.DecodeString(rawHash); err != nil {
		return "", fmt.Errorf("quarantine: invalid hash hex: %w", err)
	}
	return rawHash, nil
}
