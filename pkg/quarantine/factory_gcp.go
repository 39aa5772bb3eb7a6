//go:build gcp

package quarantine

import (
	"context"
	"fmt"
	"os"
)

// NewGCSQuarantine creates a GCS-backed store for the given bucket.
func NewGCSQuarantine(ctx context.Context, bucket, prefix string) (Store, error) {
	return NewGCSStore(ctx, GCSStoreConfig{Bucket: bucket, Prefix: prefix})
}

func newGCSStoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("QUARANTINE_GCS_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("quarantine: QUARANTINE_GCS_BUCKET is required for GCS storage")
	}

	cfg := GCSStoreConfig{
		Bucket: bucket,
		Prefix: os.Getenv("QUARANTINE_GCS_PREFIX"),
	}
	return NewGCSStore(ctx, cfg)
}
