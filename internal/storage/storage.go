package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Bucket names the three logical object namespaces.
type Bucket string

const (
	BucketRaw     Bucket = "raw"     // uploaded originals
	BucketResults Bucket = "results" // revision outputs
	BucketThumb   Bucket = "thumb"   // derived previews
)

// ErrObjectNotFound is returned by Get when the object does not exist.
// Delete of a missing object is not an error.
var ErrObjectNotFound = errors.New("object not found")

// Store is the three-bucket object store. Both drivers assume an age-based
// lifecycle of one day on every bucket; signed URLs never outlive it.
type Store interface {
	Put(ctx context.Context, bucket Bucket, path string, data []byte, contentType string) error
	Get(ctx context.Context, bucket Bucket, path string) ([]byte, error)
	Delete(ctx context.Context, bucket Bucket, path string) error
	Exists(ctx context.Context, bucket Bucket, path string) (bool, error)
	SignedURL(ctx context.Context, bucket Bucket, path string, ttl time.Duration) (string, error)

	// DeleteImageObjects removes every results object whose path begins
	// with imageID, plus the image's thumbnail.
	DeleteImageObjects(ctx context.Context, imageID string) error
}

// SignedBlobServer is implemented by drivers that serve their own signed
// URLs (the local driver). The handler mounts /blobs only when the active
// store implements it.
type SignedBlobServer interface {
	Store
	VerifySignedRequest(bucket Bucket, path, exp, sig string) error
}

// ExtForMime maps a supported mime type to its path extension.
func ExtForMime(mime string) string {
	switch mime {
	case "image/jpeg":
		return "jpg"
	case "image/png":
		return "png"
	case "image/webp":
		return "webp"
	default:
		return "bin"
	}
}

// MimeForPath derives the content type back from a blob path.
func MimeForPath(path string) string {
	switch {
	case strings.HasSuffix(path, ".jpg"), strings.HasSuffix(path, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(path, ".png"):
		return "image/png"
	case strings.HasSuffix(path, ".webp"):
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

// RawPath is <owner>/<imageID>.<ext>.
func RawPath(owner, imageID, mime string) string {
	return owner + "/" + imageID + "." + ExtForMime(mime)
}

// ResultPath is <imageID>_<revisionID>.<ext>.
func ResultPath(imageID, revisionID, mime string) string {
	return imageID + "_" + revisionID + "." + ExtForMime(mime)
}

// ThumbPath is <imageID>.webp.
func ThumbPath(imageID string) string {
	return imageID + ".webp"
}
