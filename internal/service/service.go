// Package service holds the application core: image ingest and the
// revision state machine. Dependencies are consumed through the narrow
// interfaces below so the HTTP layer and tests can swap them.
package service

import (
	"context"
	"time"

	"github.com/sashko-guz/atelier/internal/metadata"
	"github.com/sashko-guz/atelier/internal/operations"
)

// Metadata is the persistence surface the services require.
type Metadata interface {
	metadata.Querier

	// WithImageLock serializes all revision writes for one image.
	WithImageLock(ctx context.Context, imageID string, fn func(q metadata.Querier) error) error
}

// Pipeline drives the image codec.
type Pipeline interface {
	Apply(ctx context.Context, src []byte, op operations.Operation, srcMime string) ([]byte, string, error)
	Thumbnail(ctx context.Context, src []byte) ([]byte, error)
}

// ThumbCache is the best-effort thumbnail cache plus the distributed lock
// primitive.
type ThumbCache interface {
	GetThumb(ctx context.Context, imageID string) ([]byte, bool, error)
	SetThumb(ctx context.Context, imageID string, data []byte, ttl time.Duration) error
	InvalidateThumb(ctx context.Context, imageID string) error
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func() error) error
}
