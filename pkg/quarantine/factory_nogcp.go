//go:build !gcp

package quarantine

import (
	"context"
	"fmt"
)

// NewGCSQuarantine creates a GCS-backed store for the given bucket.
func NewGCSQuarantine(ctx context.Context, bucket, prefix string) (Store, error) {
	return nil, fmt.Errorf("quarantine: GCS storage is not enabled in this build (use -tags gcp)")
}

func newGCSStoreFromEnv(ctx context.Context) (Store, error) {
	return nil, fmt.Errorf("quarantine: GCS storage is not enabled in this build (use -tags gcp)")
}
