package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/sashko-guz/atelier/internal/apperr"
	"github.com/sashko-guz/atelier/internal/logger"
	"github.com/sashko-guz/atelier/internal/metadata"
	"github.com/sashko-guz/atelier/internal/storage"
)

var allowedMimes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
}

// ImageService handles ingest, metadata reads, deletion and thumbnails.
type ImageService struct {
	meta   Metadata
	store  storage.Store
	cache  ThumbCache
	pipe   Pipeline
	flight singleflight.Group

	maxUploadBytes int64
	urlTTL         time.Duration
	thumbTTL       time.Duration
	lockTTL        time.Duration
}

func NewImageService(meta Metadata, store storage.Store, cache ThumbCache, pipe Pipeline,
	maxUploadBytes int64, urlTTL, thumbTTL, lockTTL time.Duration) *ImageService {
	return &ImageService{
		meta:           meta,
		store:          store,
		cache:          cache,
		pipe:           pipe,
		maxUploadBytes: maxUploadBytes,
		urlTTL:         urlTTL,
		thumbTTL:       thumbTTL,
		lockTTL:        lockTTL,
	}
}

// Ingest buffers the upload (bounded by the size cap), stores the original,
// inserts the image row and synchronously derives the thumbnail.
func (s *ImageService) Ingest(ctx context.Context, r io.Reader, owner, mime string, declaredSize int64) (*metadata.Image, string, error) {
	if declaredSize > s.maxUploadBytes {
		return nil, "", fmt.Errorf("%w: declared size %d exceeds %d bytes", apperr.ErrTooLarge, declaredSize, s.maxUploadBytes)
	}
	if !allowedMimes[mime] {
		return nil, "", fmt.Errorf("%w: %q", apperr.ErrUnsupportedMime, mime)
	}

	data, err := io.ReadAll(io.LimitReader(r, s.maxUploadBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("%w: failed to read upload: %v", apperr.ErrValidation, err)
	}
	if int64(len(data)) > s.maxUploadBytes {
		return nil, "", fmt.Errorf("%w: upload exceeds %d bytes", apperr.ErrTooLarge, s.maxUploadBytes)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty upload", apperr.ErrValidation)
	}

	imageID := uuid.NewString()
	rawPath := storage.RawPath(owner, imageID, mime)
	if err := s.store.Put(ctx, storage.BucketRaw, rawPath, data, mime); err != nil {
		return nil, "", fmt.Errorf("%w: failed to store original: %v", apperr.ErrStorage, err)
	}

	img := &metadata.Image{
		ID:           imageID,
		Owner:        owner,
		OriginalPath: rawPath,
		SizeBytes:    int64(len(data)),
		Mime:         mime,
	}
	if err := s.meta.CreateImage(ctx, img); err != nil {
		s.discardBlob(ctx, storage.BucketRaw, rawPath)
		return nil, "", err
	}

	thumbURL, err := s.deriveThumbnail(ctx, imageID, data)
	if err != nil {
		// Undecodable uploads are rejected whole; the raw blob and row go.
		s.discardBlob(ctx, storage.BucketRaw, rawPath)
		if delErr := s.meta.DeleteImage(ctx, imageID); delErr != nil {
			logger.Warnf("[ImageService] Failed to roll back image row %s: %v", imageID, delErr)
		}
		return nil, "", err
	}

	logger.Infof("[ImageService] Ingested image %s: owner=%s, mime=%s, size=%d", imageID, owner, mime, len(data))
	return img, thumbURL, nil
}

// Metadata returns the image row plus signed download and thumbnail URLs.
// The download URL points at the active state: the latest revision's result
// when one exists, the original otherwise.
func (s *ImageService) Metadata(ctx context.Context, imageID string) (*metadata.Image, string, string, error) {
	img, err := s.meta.GetImage(ctx, imageID)
	if err != nil {
		return nil, "", "", err
	}

	downloadURL, err := s.activeDownloadURL(ctx, img)
	if err != nil {
		return nil, "", "", err
	}

	// Routed through the miss-aware path so an invalidated thumbnail is
	// re-derived before its URL is handed out.
	thumbURL, err := s.ThumbnailURL(ctx, imageID)
	if err != nil {
		return nil, "", "", err
	}
	return img, downloadURL, thumbURL, nil
}

// Delete removes the image, its revisions and every reachable blob.
func (s *ImageService) Delete(ctx context.Context, imageID string) error {
	img, err := s.meta.GetImage(ctx, imageID)
	if err != nil {
		return err
	}

	if err := s.store.DeleteImageObjects(ctx, imageID); err != nil {
		return fmt.Errorf("%w: failed to delete result blobs of %s: %v", apperr.ErrStorage, imageID, err)
	}
	if err := s.store.Delete(ctx, storage.BucketRaw, img.OriginalPath); err != nil {
		return fmt.Errorf("%w: failed to delete original of %s: %v", apperr.ErrStorage, imageID, err)
	}
	if err := s.meta.DeleteImage(ctx, imageID); err != nil {
		return err
	}
	if err := s.cache.InvalidateThumb(ctx, imageID); err != nil {
		logger.Warnf("[ImageService] Failed to invalidate thumbnail for deleted image %s: %v", imageID, err)
	}

	logger.Infof("[ImageService] Deleted image %s and all derived artifacts", imageID)
	return nil
}

// DownloadURL signs a URL for a specific revision, or for the active state
// when revisionID is empty.
func (s *ImageService) DownloadURL(ctx context.Context, imageID, revisionID string) (string, error) {
	img, err := s.meta.GetImage(ctx, imageID)
	if err != nil {
		return "", err
	}

	if revisionID == "" {
		return s.activeDownloadURL(ctx, img)
	}

	rev, err := s.meta.GetRevision(ctx, revisionID)
	if err != nil {
		return "", err
	}
	if rev.ImageID != imageID {
		return "", fmt.Errorf("%w: revision %s does not belong to image %s", apperr.ErrNotFound, revisionID, imageID)
	}
	url, err := s.store.SignedURL(ctx, storage.BucketResults, rev.StoragePath, s.urlTTL)
	if err != nil {
		return "", fmt.Errorf("%w: failed to sign download URL: %v", apperr.ErrStorage, err)
	}
	return url, nil
}

// ThumbnailURL returns a signed URL for the image's preview, re-deriving it
// from the active state on cache miss. Concurrent misses collapse onto one
// derivation via singleflight in-process and the distributed lock across
// instances.
func (s *ImageService) ThumbnailURL(ctx context.Context, imageID string) (string, error) {
	if _, found, err := s.cache.GetThumb(ctx, imageID); err != nil {
		logger.Warnf("[ImageService] Thumbnail cache read failed for %s: %v", imageID, err)
	} else if found {
		return s.store.SignedURL(ctx, storage.BucketThumb, storage.ThumbPath(imageID), s.urlTTL)
	}

	_, err, _ := s.flight.Do(imageID, func() (any, error) {
		return nil, s.cache.WithLock(ctx, "thumb:"+imageID, s.lockTTL, func() error {
			img, err := s.meta.GetImage(ctx, imageID)
			if err != nil {
				return err
			}
			parent, err := s.meta.GetLatestRevision(ctx, imageID)
			if err != nil {
				return err
			}

			bucket, path := storage.BucketRaw, img.OriginalPath
			if parent != nil {
				bucket, path = storage.BucketResults, parent.StoragePath
			}
			src, err := s.store.Get(ctx, bucket, path)
			if err != nil {
				if errors.Is(err, storage.ErrObjectNotFound) {
					return fmt.Errorf("%w: %s/%s", apperr.ErrSourceMissing, bucket, path)
				}
				return fmt.Errorf("%w: failed to fetch source %s/%s: %v", apperr.ErrStorage, bucket, path, err)
			}

			_, err = s.storeThumbnail(ctx, imageID, src)
			return err
		})
	})
	if err != nil {
		return "", err
	}

	return s.store.SignedURL(ctx, storage.BucketThumb, storage.ThumbPath(imageID), s.urlTTL)
}

// deriveThumbnail builds the 400px WebP preview from src, writes it to the
// thumb bucket, populates the cache and returns a signed URL.
func (s *ImageService) deriveThumbnail(ctx context.Context, imageID string, src []byte) (string, error) {
	if _, err := s.storeThumbnail(ctx, imageID, src); err != nil {
		return "", err
	}
	url, err := s.store.SignedURL(ctx, storage.BucketThumb, storage.ThumbPath(imageID), s.urlTTL)
	if err != nil {
		return "", fmt.Errorf("%w: failed to sign thumbnail URL: %v", apperr.ErrStorage, err)
	}
	return url, nil
}

func (s *ImageService) storeThumbnail(ctx context.Context, imageID string, src []byte) ([]byte, error) {
	thumb, err := s.pipe.Thumbnail(ctx, src)
	if err != nil {
		return nil, err
	}
	if err := s.store.Put(ctx, storage.BucketThumb, storage.ThumbPath(imageID), thumb, "image/webp"); err != nil {
		return nil, fmt.Errorf("%w: failed to store thumbnail: %v", apperr.ErrStorage, err)
	}
	if err := s.cache.SetThumb(ctx, imageID, thumb, s.thumbTTL); err != nil {
		logger.Warnf("[ImageService] Failed to cache thumbnail for %s: %v", imageID, err)
	}
	return thumb, nil
}

func (s *ImageService) activeDownloadURL(ctx context.Context, img *metadata.Image) (string, error) {
	rev, err := s.meta.GetLatestRevision(ctx, img.ID)
	if err != nil {
		return "", err
	}

	bucket, path := storage.BucketRaw, img.OriginalPath
	if rev != nil {
		bucket, path = storage.BucketResults, rev.StoragePath
	}
	url, err := s.store.SignedURL(ctx, bucket, path, s.urlTTL)
	if err != nil {
		return "", fmt.Errorf("%w: failed to sign download URL: %v", apperr.ErrStorage, err)
	}
	return url, nil
}

func (s *ImageService) discardBlob(ctx context.Context, bucket storage.Bucket, path string) {
	if err := s.store.Delete(ctx, bucket, path); err != nil {
		logger.Warnf("[ImageService] Failed to discard blob %s/%s: %v", bucket, path, err)
	}
}
