package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sashko-guz/atelier/internal/apperr"
	"github.com/sashko-guz/atelier/internal/logger"
	"github.com/sashko-guz/atelier/internal/metadata"
	"github.com/sashko-guz/atelier/internal/operations"
	"github.com/sashko-guz/atelier/internal/storage"
)

// RevisionService owns the append-only revision chain of each image.
// Every write runs inside the per-image row lock, which gives a total
// order over revisions of one image.
type RevisionService struct {
	meta   Metadata
	store  storage.Store
	cache  ThumbCache
	pipe   Pipeline
	urlTTL time.Duration
}

func NewRevisionService(meta Metadata, store storage.Store, cache ThumbCache, pipe Pipeline, urlTTL time.Duration) *RevisionService {
	return &RevisionService{meta: meta, store: store, cache: cache, pipe: pipe, urlTTL: urlTTL}
}

// ApplyOp derives a new revision from the image's active state. The result
// blob is written before the revision row is inserted: a crash in between
// leaves only an orphaned blob for the lifecycle sweep, never a row
// pointing at a missing blob.
func (s *RevisionService) ApplyOp(ctx context.Context, imageID string, op operations.Operation) (*metadata.Revision, string, error) {
	if err := op.Validate(); err != nil {
		return nil, "", err
	}

	opParams, err := json.Marshal(op.Params())
	if err != nil {
		return nil, "", fmt.Errorf("%w: failed to marshal op params: %v", apperr.ErrValidation, err)
	}
	opWire, err := operations.Encode(op)
	if err != nil {
		return nil, "", err
	}

	var rev *metadata.Revision
	err = s.meta.WithImageLock(ctx, imageID, func(q metadata.Querier) error {
		img, err := q.GetImage(ctx, imageID)
		if err != nil {
			return err
		}

		parent, err := q.GetLatestRevision(ctx, imageID)
		if err != nil {
			return err
		}

		srcBucket, srcPath, srcMime := sourceOf(img, parent)
		src, err := s.store.Get(ctx, srcBucket, srcPath)
		if err != nil {
			if errors.Is(err, storage.ErrObjectNotFound) {
				return fmt.Errorf("%w: %s/%s", apperr.ErrSourceMissing, srcBucket, srcPath)
			}
			return fmt.Errorf("%w: failed to fetch source %s/%s: %v", apperr.ErrStorage, srcBucket, srcPath, err)
		}

		out, outMime, err := s.pipe.Apply(ctx, src, op, srcMime)
		if err != nil {
			return err
		}

		revID := uuid.NewString()
		resultPath := storage.ResultPath(imageID, revID, outMime)
		if err := s.store.Put(ctx, storage.BucketResults, resultPath, out, outMime); err != nil {
			return fmt.Errorf("%w: failed to write result %s: %v", apperr.ErrStorage, resultPath, err)
		}

		rev = &metadata.Revision{
			ID:          revID,
			ImageID:     imageID,
			OpType:      op.Type(),
			OpParams:    opParams,
			OpWire:      opWire,
			StoragePath: resultPath,
		}
		if parent != nil {
			parentID := parent.ID
			rev.ParentID = &parentID
		}
		return q.CreateRevision(ctx, rev)
	})
	if err != nil {
		return nil, "", err
	}

	// Best-effort: the committed revision is the source of truth, a stale
	// thumbnail is acceptable until the next cache miss.
	if err := s.cache.InvalidateThumb(ctx, imageID); err != nil {
		logger.Warnf("[RevisionService] Failed to invalidate thumbnail for %s: %v", imageID, err)
	}

	url, err := s.store.SignedURL(ctx, storage.BucketResults, rev.StoragePath, s.urlTTL)
	if err != nil {
		return nil, "", fmt.Errorf("%w: failed to sign result URL: %v", apperr.ErrStorage, err)
	}

	logger.Infof("[RevisionService] Applied %s to image %s: revision %s", op.Name(), imageID, rev.ID)
	return rev, url, nil
}

// Undo tombstones the latest revision and returns its parent as the active
// state. The tombstoned row stays for audit; GetLatestRevision skips it, so
// the next ApplyOp chains off the returned revision. Repeated undo keeps
// walking back until the original is active.
func (s *RevisionService) Undo(ctx context.Context, imageID string) (*metadata.Revision, string, error) {
	var parent *metadata.Revision
	err := s.meta.WithImageLock(ctx, imageID, func(q metadata.Querier) error {
		cur, err := q.GetLatestRevision(ctx, imageID)
		if err != nil {
			return err
		}
		if cur == nil {
			return fmt.Errorf("%w: image %s has no revisions", apperr.ErrNothingToUndo, imageID)
		}
		if cur.ParentID == nil {
			return fmt.Errorf("%w: image %s", apperr.ErrCannotUndoOriginal, imageID)
		}

		parent, err = q.GetRevision(ctx, *cur.ParentID)
		if err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				return fmt.Errorf("%w: parent %s of revision %s is missing", apperr.ErrCorrupted, *cur.ParentID, cur.ID)
			}
			return err
		}

		return q.TombstoneRevision(ctx, cur.ID)
	})
	if err != nil {
		return nil, "", err
	}

	if err := s.cache.InvalidateThumb(ctx, imageID); err != nil {
		logger.Warnf("[RevisionService] Failed to invalidate thumbnail for %s: %v", imageID, err)
	}

	url, err := s.store.SignedURL(ctx, storage.BucketResults, parent.StoragePath, s.urlTTL)
	if err != nil {
		return nil, "", fmt.Errorf("%w: failed to sign result URL: %v", apperr.ErrStorage, err)
	}

	logger.Infof("[RevisionService] Undo on image %s: active revision is now %s", imageID, parent.ID)
	return parent, url, nil
}

// History returns the image's non-tombstoned revisions, oldest first.
func (s *RevisionService) History(ctx context.Context, imageID string) ([]metadata.Revision, error) {
	if _, err := s.meta.GetImage(ctx, imageID); err != nil {
		return nil, err
	}
	return s.meta.GetHistory(ctx, imageID)
}

// sourceOf picks the bytes the next revision derives from: the latest
// revision's result when one exists, the original otherwise.
func sourceOf(img *metadata.Image, parent *metadata.Revision) (storage.Bucket, string, string) {
	if parent != nil {
		return storage.BucketResults, parent.StoragePath, storage.MimeForPath(parent.StoragePath)
	}
	return storage.BucketRaw, img.OriginalPath, img.Mime
}
