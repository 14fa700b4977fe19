package archive

import (
	"context"
	"fmt"
	"os"
)

// StoreType selects the object store backend for day-file shipping.
type StoreType string

const (
	StoreTypeNone StoreType = "none"
	StoreTypeS3   StoreType = "s3"
	StoreTypeGCS  StoreType = "gcs"
)

// NewObjectStoreFromEnv builds an object store based on environment
// variables.
//
// Environment variables:
//   - AUDIT_SHIP_TYPE: "none" (default), "s3", or "gcs"
//
// For S3:
//   - AUDIT_S3_BUCKET (required)
//   - AUDIT_S3_REGION or AWS_REGION
//   - AUDIT_S3_ENDPOINT (optional, for MinIO/LocalStack)
//
// For GCS:
//   - AUDIT_GCS_BUCKET (required)
//
// A "none" store type returns (nil, nil): shipping is simply disabled.
func NewObjectStoreFromEnv(ctx context.Context) (ObjectStore, error) {
	storeType := StoreType(os.Getenv("AUDIT_SHIP_TYPE"))
	if storeType == "" {
		storeType = StoreTypeNone
	}

	switch storeType {
	case StoreTypeNone:
		return nil, nil
	case StoreTypeS3:
		return newS3StoreFromEnv(ctx)
	case StoreTypeGCS:
		return newGCSStoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("unsupported audit shipping type: %s", storeType)
	}
}

func newS3StoreFromEnv(ctx context.Context) (ObjectStore, error) {
	bucket := os.Getenv("AUDIT_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("AUDIT_S3_BUCKET is required for S3 shipping")
	}

	region := os.Getenv("AUDIT_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	return NewS3Store(ctx, S3Config{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("AUDIT_S3_ENDPOINT"),
	})
}
