// Package worm ships sealed evidence bundles to write-once storage, either
// by proxying the upload through the control plane (the appliance never
// holds cloud credentials) or writing directly to an Object Lock bucket
// when the deployment is configured to hold its own retention policy.
package worm

import (
	"context"
	"fmt"
)

// Mode selects which upload backend an appliance uses.
type Mode string

const (
	ModeProxy  Mode = "proxy"
	ModeDirect Mode = "direct"
)

// UploadResult is returned by a successful upload.
type UploadResult struct {
	WORMURI string
}

// Uploader ships a sealed bundle (its canonical JSON and detached
// signature) to WORM storage and returns the URI it was stored at.
type Uploader interface {
	Upload(ctx context.Context, siteID, bundleID string, bundleJSON, signature []byte) (UploadResult, error)
}

// Config configures whichever backend Mode selects.
type Config struct {
	Mode Mode

	// Proxy mode.
	ProxyUploadFunc func(ctx context.Context, siteID, bundleID string, bundleJSON, signature []byte) (string, error)

	// Direct mode.
	S3Bucket        string
	S3Region        string
	RetentionDays   int
}

// New builds the configured Uploader. Direct mode validates its S3
// configuration eagerly and returns an error rather than constructing an
// uploader that would only fail later — a misconfigured direct deployment
// is a fatal startup condition, not a per-bundle failure.
func New(cfg Config) (Uploader, error) {
	switch cfg.Mode {
	case ModeProxy:
		if cfg.ProxyUploadFunc == nil {
			return nil, fmt.Errorf("worm: proxy mode requires an upload function")
		}
		return &proxyUploader{upload: cfg.ProxyUploadFunc}, nil
	case ModeDirect:
		return newDirectUploader(cfg)
	default:
		return nil, fmt.Errorf("worm: unknown mode %q", cfg.Mode)
	}
}

type proxyUploader struct {
	upload func(ctx context.Context, siteID, bundleID string, bundleJSON, signature []byte) (string, error)
}

func (p *proxyUploader) Upload(ctx context.Context, siteID, bundleID string, bundleJSON, signature []byte) (UploadResult, error) {
	uri, err := p.upload(ctx, siteID, bundleID, bundleJSON, signature)
	if err != nil {
		return UploadResult{}, fmt.Errorf("proxy upload of %s: %w", bundleID, err)
	}
	return UploadResult{WORMURI: uri}, nil
}
