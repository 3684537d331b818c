package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sashko-guz/atelier/internal/apperr"
	"github.com/sashko-guz/atelier/internal/metadata"
	"github.com/sashko-guz/atelier/internal/operations"
	"github.com/sashko-guz/atelier/internal/storage"
)

// fakeMeta is an in-memory Metadata. WithImageLock serializes callbacks
// under a mutex and applies changes atomically: the callback runs against a
// copy, which replaces the live state only on success.
type fakeMeta struct {
	mu        sync.Mutex
	images    map[string]*metadata.Image
	revisions map[string]*metadata.Revision
	seq       int64

	failCreateRevision bool
}

func newFakeMeta() *fakeMeta {
	return &fakeMeta{
		images:    make(map[string]*metadata.Image),
		revisions: make(map[string]*metadata.Revision),
	}
}

func (f *fakeMeta) WithImageLock(ctx context.Context, imageID string, fn func(q metadata.Querier) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.images[imageID]; !ok {
		return fmt.Errorf("%w: image %s", apperr.ErrNotFound, imageID)
	}

	tx := f.snapshot()
	if err := fn(tx); err != nil {
		return err
	}
	f.images, f.revisions, f.seq = tx.images, tx.revisions, tx.seq
	return nil
}

func (f *fakeMeta) snapshot() *fakeMeta {
	tx := newFakeMeta()
	tx.seq = f.seq
	tx.failCreateRevision = f.failCreateRevision
	for id, img := range f.images {
		cp := *img
		tx.images[id] = &cp
	}
	for id, rev := range f.revisions {
		cp := *rev
		tx.revisions[id] = &cp
	}
	return tx
}

func (f *fakeMeta) nextTime() time.Time {
	f.seq++
	return time.Unix(1_700_000_000, 0).Add(time.Duration(f.seq) * time.Second)
}

func (f *fakeMeta) CreateImage(ctx context.Context, img *metadata.Image) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	img.CreatedAt = f.nextTime()
	img.UpdatedAt = img.CreatedAt
	cp := *img
	f.images[img.ID] = &cp
	return nil
}

func (f *fakeMeta) GetImage(ctx context.Context, id string) (*metadata.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	img, ok := f.images[id]
	if !ok {
		return nil, fmt.Errorf("%w: image %s", apperr.ErrNotFound, id)
	}
	cp := *img
	return &cp, nil
}

func (f *fakeMeta) DeleteImage(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.images[id]; !ok {
		return fmt.Errorf("%w: image %s", apperr.ErrNotFound, id)
	}
	delete(f.images, id)
	for revID, rev := range f.revisions {
		if rev.ImageID == id {
			delete(f.revisions, revID)
		}
	}
	return nil
}

func (f *fakeMeta) CreateRevision(ctx context.Context, rev *metadata.Revision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreateRevision {
		return fmt.Errorf("%w: forced revision insert failure", apperr.ErrMetadata)
	}
	rev.CreatedAt = f.nextTime()
	cp := *rev
	f.revisions[rev.ID] = &cp
	return nil
}

func (f *fakeMeta) GetRevision(ctx context.Context, id string) (*metadata.Revision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rev, ok := f.revisions[id]
	if !ok {
		return nil, fmt.Errorf("%w: revision %s", apperr.ErrNotFound, id)
	}
	cp := *rev
	return &cp, nil
}

func (f *fakeMeta) GetLatestRevision(ctx context.Context, imageID string) (*metadata.Revision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *metadata.Revision
	for _, rev := range f.revisions {
		if rev.ImageID != imageID || rev.TombstonedAt != nil {
			continue
		}
		if latest == nil || rev.CreatedAt.After(latest.CreatedAt) {
			latest = rev
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (f *fakeMeta) GetHistory(ctx context.Context, imageID string) ([]metadata.Revision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var revs []metadata.Revision
	for _, rev := range f.revisions {
		if rev.ImageID == imageID && rev.TombstonedAt == nil {
			revs = append(revs, *rev)
		}
	}
	sort.Slice(revs, func(i, j int) bool { return revs[i].CreatedAt.Before(revs[j].CreatedAt) })
	return revs, nil
}

func (f *fakeMeta) TombstoneRevision(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rev, ok := f.revisions[id]
	if !ok || rev.TombstonedAt != nil {
		return fmt.Errorf("%w: revision %s", apperr.ErrNotFound, id)
	}
	now := f.nextTime()
	rev.TombstonedAt = &now
	return nil
}

// fakeStore is an in-memory storage.Store keyed by "<bucket>/<path>".
type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte

	failPut bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string][]byte)}
}

func objectKey(bucket storage.Bucket, path string) string {
	return string(bucket) + "/" + path
}

func (f *fakeStore) Put(ctx context.Context, bucket storage.Bucket, path string, data []byte, contentType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPut {
		return fmt.Errorf("forced put failure for %s/%s", bucket, path)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.objects[objectKey(bucket, path)] = cp
	return nil
}

func (f *fakeStore) Get(ctx context.Context, bucket storage.Bucket, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[objectKey(bucket, path)]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", storage.ErrObjectNotFound, bucket, path)
	}
	return data, nil
}

func (f *fakeStore) Delete(ctx context.Context, bucket storage.Bucket, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, objectKey(bucket, path))
	return nil
}

func (f *fakeStore) Exists(ctx context.Context, bucket storage.Bucket, path string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[objectKey(bucket, path)]
	return ok, nil
}

func (f *fakeStore) SignedURL(ctx context.Context, bucket storage.Bucket, path string, ttl time.Duration) (string, error) {
	return "https://signed.test/" + objectKey(bucket, path), nil
}

func (f *fakeStore) DeleteImageObjects(ctx context.Context, imageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	resultsPrefix := objectKey(storage.BucketResults, imageID+"_")
	for key := range f.objects {
		if len(key) >= len(resultsPrefix) && key[:len(resultsPrefix)] == resultsPrefix {
			delete(f.objects, key)
		}
	}
	delete(f.objects, objectKey(storage.BucketThumb, storage.ThumbPath(imageID)))
	return nil
}

func (f *fakeStore) object(bucket storage.Bucket, path string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[objectKey(bucket, path)]
	return data, ok
}

func (f *fakeStore) count(bucket storage.Bucket) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	prefix := string(bucket) + "/"
	for key := range f.objects {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

// fakePipe records operations by appending markers to the byte stream, so
// tests can assert which source a derivation consumed.
type fakePipe struct {
	failApply     bool
	failThumbnail bool
}

func (f *fakePipe) Apply(ctx context.Context, src []byte, op operations.Operation, srcMime string) ([]byte, string, error) {
	if f.failApply {
		return nil, "", fmt.Errorf("%w: forced codec failure", apperr.ErrCodec)
	}
	outMime := srcMime
	if op.Type() == operations.OpCompress {
		outMime = "image/jpeg"
	}
	return []byte(string(src) + "|" + op.Name()), outMime, nil
}

func (f *fakePipe) Thumbnail(ctx context.Context, src []byte) ([]byte, error) {
	if f.failThumbnail {
		return nil, fmt.Errorf("%w: forced thumbnail failure", apperr.ErrCodec)
	}
	return []byte("thumb(" + string(src) + ")"), nil
}

// fakeCache is an in-memory ThumbCache that counts invalidations.
type fakeCache struct {
	mu            sync.Mutex
	thumbs        map[string][]byte
	invalidations map[string]int

	failReads bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		thumbs:        make(map[string][]byte),
		invalidations: make(map[string]int),
	}
}

func (f *fakeCache) GetThumb(ctx context.Context, imageID string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failReads {
		return nil, false, fmt.Errorf("%w: forced cache failure", apperr.ErrCache)
	}
	data, ok := f.thumbs[imageID]
	return data, ok, nil
}

func (f *fakeCache) SetThumb(ctx context.Context, imageID string, data []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.thumbs[imageID] = data
	return nil
}

func (f *fakeCache) InvalidateThumb(ctx context.Context, imageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.thumbs, imageID)
	f.invalidations[imageID]++
	return nil
}

func (f *fakeCache) WithLock(ctx context.Context, key string, ttl time.Duration, fn func() error) error {
	return fn()
}

func (f *fakeCache) invalidationCount(imageID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.invalidations[imageID]
}
