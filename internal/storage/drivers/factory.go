package drivers

import (
	"context"

	"github.com/sashko-guz/atelier/internal/config"
	"github.com/sashko-guz/atelier/internal/storage"
)

// NewFromConfig picks the driver: S3 when S3_ENDPOINT is set, otherwise the
// local filesystem.
func NewFromConfig(ctx context.Context, cfg *config.Config, signer *storage.Signer) (storage.Store, error) {
	if cfg.LocalMode() {
		return NewLocal(cfg.LocalStorageRoot, cfg.PublicBaseURL, signer, cfg.LifecycleTTL)
	}
	return NewS3(ctx, S3Config{
		Endpoint:     cfg.S3Endpoint,
		Region:       cfg.S3Region,
		AccessKey:    cfg.S3AccessKey,
		SecretKey:    cfg.S3SecretKey,
		BucketPrefix: cfg.BucketPrefix,
		LifecycleTTL: cfg.LifecycleTTL,
	})
}
