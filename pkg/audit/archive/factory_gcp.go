//go:build gcp

package archive

import (
	"context"
	"fmt"
	"os"
)

func newGCSStoreFromEnv(ctx context.Context) (ObjectStore, error) {
	bucket := os.Getenv("AUDIT_GCS_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("AUDIT_GCS_BUCKET is required for GCS shipping")
	}
	return NewGCSStore(ctx, bucket)
}
