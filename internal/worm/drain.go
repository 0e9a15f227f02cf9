package worm

import (
	"context"
	"fmt"
	"time"

	"github.com/osiriscare/appliance/internal/clock"
	"go.uber.org/zap"
)

// defaultBackoff and defaultMaxAttempts match the spec's stated default:
// a constant 5s backoff, up to 3 attempts per drain cycle, after which a
// still-failing item stays pending for the next cycle rather than being
// retried in a tight loop.
const (
	defaultBackoff      = 5 * time.Second
	defaultMaxAttempts  = 3
)

// Attempt uploads one bundle, retrying transient failures up to
// maxAttempts times with a constant backoff. The caller is responsible
// for leaving the item pending in the offline queue if this still
// returns an error; Attempt never mutates queue state itself.
func Attempt(ctx context.Context, c clock.Clock, log *zap.Logger, u Uploader, siteID, bundleID string, bundleJSON, signature []byte, maxAttempts int) (UploadResult, error) {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, err := u.Upload(ctx, siteID, bundleID, bundleJSON, signature)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if log != nil {
			log.Warn("evidence upload attempt failed",
				zap.String("bundle_id", bundleID), zap.Int("attempt", attempt), zap.Error(err))
		}
		if attempt < maxAttempts {
			c.Sleep(defaultBackoff)
		}
	}
	return UploadResult{}, fmt.Errorf("worm: upload %s failed after %d attempts: %w", bundleID, maxAttempts, lastErr)
}
