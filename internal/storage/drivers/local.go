package drivers

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sashko-guz/atelier/internal/logger"
	"github.com/sashko-guz/atelier/internal/storage"
)

// Local stores bucket objects under <root>/<bucket>/<path> and signs its
// own download URLs served by the /blobs route. A background sweep enforces
// the one-day age lifecycle that a managed bucket policy would provide.
type Local struct {
	root         string
	baseURL      string
	signer       *storage.Signer
	lifecycleTTL time.Duration
	stop         chan struct{}
}

func NewLocal(root, baseURL string, signer *storage.Signer, lifecycleTTL time.Duration) (*Local, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage root: %w", err)
	}

	for _, bucket := range []storage.Bucket{storage.BucketRaw, storage.BucketResults, storage.BucketThumb} {
		if err := os.MkdirAll(filepath.Join(absRoot, string(bucket)), 0755); err != nil {
			return nil, fmt.Errorf("failed to create bucket directory %s: %w", bucket, err)
		}
	}

	l := &Local{
		root:         absRoot,
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		signer:       signer,
		lifecycleTTL: lifecycleTTL,
		stop:         make(chan struct{}),
	}
	go l.sweepExpired()

	logger.Infof("[LocalStorage] Initialized: root=%s, lifecycle=%v", absRoot, lifecycleTTL)
	return l, nil
}

func (l *Local) Put(ctx context.Context, bucket storage.Bucket, path string, data []byte, contentType string) error {
	fullPath, err := l.resolve(bucket, path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("failed to create object directory: %w", err)
	}
	if err := os.WriteFile(fullPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write object %s/%s: %w", bucket, path, err)
	}
	logger.Debugf("[LocalStorage] Wrote object: %s/%s (%d bytes, %s)", bucket, path, len(data), contentType)
	return nil
}

func (l *Local) Get(ctx context.Context, bucket storage.Bucket, path string) ([]byte, error) {
	fullPath, err := l.resolve(bucket, path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s/%s", storage.ErrObjectNotFound, bucket, path)
		}
		return nil, fmt.Errorf("failed to read object %s/%s: %w", bucket, path, err)
	}
	return data, nil
}

func (l *Local) Delete(ctx context.Context, bucket storage.Bucket, path string) error {
	fullPath, err := l.resolve(bucket, path)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete object %s/%s: %w", bucket, path, err)
	}
	return nil
}

func (l *Local) Exists(ctx context.Context, bucket storage.Bucket, path string) (bool, error) {
	fullPath, err := l.resolve(bucket, path)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat object %s/%s: %w", bucket, path, err)
	}
	return !info.IsDir(), nil
}

func (l *Local) SignedURL(ctx context.Context, bucket storage.Bucket, path string, ttl time.Duration) (string, error) {
	if ttl <= 0 || ttl > l.lifecycleTTL {
		ttl = l.lifecycleTTL
	}
	exp, sig := l.signer.Sign(bucket, path, ttl)

	escaped := make([]string, 0, 3)
	for _, segment := range strings.Split(path, "/") {
		escaped = append(escaped, url.PathEscape(segment))
	}
	return fmt.Sprintf("%s/blobs/%s/%s?exp=%d&sig=%s", l.baseURL, bucket, strings.Join(escaped, "/"), exp, sig), nil
}

func (l *Local) DeleteImageObjects(ctx context.Context, imageID string) error {
	resultsDir := filepath.Join(l.root, string(storage.BucketResults))
	entries, err := os.ReadDir(resultsDir)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to list results bucket: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), imageID+"_") {
			continue
		}
		if err := os.Remove(filepath.Join(resultsDir, entry.Name())); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete result %s: %w", entry.Name(), err)
		}
		logger.Debugf("[LocalStorage] Deleted result object: %s", entry.Name())
	}

	return l.Delete(ctx, storage.BucketThumb, storage.ThumbPath(imageID))
}

// VerifySignedRequest validates the exp/sig query parameters of a /blobs
// request against the URL signer.
func (l *Local) VerifySignedRequest(bucket storage.Bucket, path, exp, sig string) error {
	return l.signer.Verify(bucket, path, exp, sig)
}

func (l *Local) Close() {
	close(l.stop)
}

// resolve joins the object path under the bucket directory, rejecting
// absolute paths and parent references.
func (l *Local) resolve(bucket storage.Bucket, path string) (string, error) {
	cleanPath := filepath.Clean(path)
	if filepath.IsAbs(cleanPath) || strings.HasPrefix(cleanPath, "..") {
		return "", fmt.Errorf("invalid path %q: absolute paths and parent references not allowed", path)
	}

	bucketDir := filepath.Join(l.root, string(bucket))
	fullPath := filepath.Join(bucketDir, cleanPath)
	if !strings.HasPrefix(fullPath, bucketDir+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid path %q: directory traversal detected", path)
	}
	return fullPath, nil
}

// sweepExpired deletes objects older than the lifecycle TTL, in place of a
// managed bucket lifecycle rule.
func (l *Local) sweepExpired() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-l.lifecycleTTL)
		removed := 0
		for _, bucket := range []storage.Bucket{storage.BucketRaw, storage.BucketResults, storage.BucketThumb} {
			dir := filepath.Join(l.root, string(bucket))
			_ = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
				if err != nil || info.IsDir() {
					return nil
				}
				if info.ModTime().Before(cutoff) {
					if err := os.Remove(path); err == nil {
						removed++
					}
				}
				return nil
			})
		}
		if removed > 0 {
			logger.Infof("[LocalStorage] Lifecycle sweep removed %d expired object(s)", removed)
		}
	}
}
