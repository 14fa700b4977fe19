//go:build !gcp

package archive

import (
	"context"
	"fmt"
)

func newGCSStoreFromEnv(_ context.Context) (ObjectStore, error) {
	return nil, fmt.Errorf("GCS shipping is not enabled in this build (use -tags gcp)")
}
