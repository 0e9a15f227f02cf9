package worm

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// minRetentionDays is the floor the spec requires for Object Lock
// COMPLIANCE mode; a shorter configured retention is a configuration
// error, not a runtime one.
const minRetentionDays = 90

type directUploader struct {
	client    *s3.Client
	bucket    string
	retention int
}

// newDirectUploader validates the S3 configuration and builds a client
// against it. Any validation failure here is meant to be fatal at
// startup: a direct-mode appliance with a broken bucket configuration
// must never silently fall back to leaving bundles pending forever
// without the operator knowing why.
func newDirectUploader(cfg Config) (Uploader, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("worm: direct mode requires S3Bucket")
	}
	if cfg.S3Region == "" {
		return nil, fmt.Errorf("worm: direct mode requires S3Region")
	}
	retention := cfg.RetentionDays
	if retention == 0 {
		retention = minRetentionDays
	}
	if retention < minRetentionDays {
		return nil, fmt.Errorf("worm: direct mode retention_days=%d below required minimum %d", retention, minRetentionDays)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("worm: load aws config: %w", err)
	}

	return &directUploader{
		client:    s3.NewFromConfig(awsCfg),
		bucket:    cfg.S3Bucket,
		retention: retention,
	}, nil
}

// Upload puts the bundle JSON and its detached signature under Object
// Lock COMPLIANCE mode with the configured retention. A failed put leaves
// the caller's queued item pending; this function never partially
// uploads (JSON without signature, or vice versa) — either both succeed
// or the bundle is reported as not uploaded.
func (d *directUploader) Upload(ctx context.Context, siteID, bundleID string, bundleJSON, signature []byte) (UploadResult, error) {
	retainUntil := time.Now().UTC().AddDate(0, 0, d.retention)
	jsonKey := fmt.Sprintf("evidence/%s/%s.json", siteID, bundleID)
	sigKey := fmt.Sprintf("evidence/%s/%s.sig", siteID, bundleID)

	if err := d.putLocked(ctx, jsonKey, bundleJSON, retainUntil); err != nil {
		return UploadResult{}, fmt.Errorf("worm: put %s: %w", jsonKey, err)
	}
	if err := d.putLocked(ctx, sigKey, signature, retainUntil); err != nil {
		return UploadResult{}, fmt.Errorf("worm: put %s: %w", sigKey, err)
	}

	return UploadResult{WORMURI: fmt.Sprintf("s3://%s/%s", d.bucket, jsonKey)}, nil
}

func (d *directUploader) putLocked(ctx context.Context, key string, body []byte, retainUntil time.Time) error {
	_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:                    aws.String(d.bucket),
		Key:                       aws.String(key),
		Body:                      bytes.NewReader(body),
		ObjectLockMode:            types.ObjectLockModeCompliance,
		ObjectLockRetainUntilDate: aws.Time(retainUntil),
		ServerSideEncryption:      types.ServerSideEncryptionAes256,
	})
	return err
}
