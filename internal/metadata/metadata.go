// Package metadata persists images and their revision chains in Postgres.
// The per-image exclusive row lock taken by WithImageLock is the
// serialization point for all revision writes.
package metadata

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sashko-guz/atelier/internal/operations"
)

type Image struct {
	ID           string
	Owner        string
	OriginalPath string
	SizeBytes    int64
	Mime         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Revision struct {
	ID           string
	ImageID      string
	ParentID     *string // nil means derived directly from the original
	OpType       operations.OpType
	OpParams     json.RawMessage
	OpWire       []byte // compact IEv1 encoding of the operation
	StoragePath  string
	CreatedAt    time.Time
	TombstonedAt *time.Time
}

// Querier is the query surface shared by the pool-backed store and the
// transaction handed to WithImageLock callbacks.
type Querier interface {
	CreateImage(ctx context.Context, img *Image) error
	GetImage(ctx context.Context, id string) (*Image, error)
	DeleteImage(ctx context.Context, id string) error

	CreateRevision(ctx context.Context, rev *Revision) error
	GetRevision(ctx context.Context, id string) (*Revision, error)

	// GetLatestRevision returns the most recent non-tombstoned revision of
	// the image, or nil when the original is the active state.
	GetLatestRevision(ctx context.Context, imageID string) (*Revision, error)

	// GetHistory returns non-tombstoned revisions in ascending created_at
	// order.
	GetHistory(ctx context.Context, imageID string) ([]Revision, error)

	TombstoneRevision(ctx context.Context, id string) error
}
