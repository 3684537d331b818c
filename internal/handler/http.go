// Package handler exposes the REST surface. It owns JSON shaping and the
// mapping from error kinds to HTTP status codes; all domain behavior lives
// in the service package.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sashko-guz/atelier/internal/apperr"
	"github.com/sashko-guz/atelier/internal/logger"
	"github.com/sashko-guz/atelier/internal/metadata"
	"github.com/sashko-guz/atelier/internal/operations"
	"github.com/sashko-guz/atelier/internal/storage"
)

// ImageAPI is the slice of ImageService the handler needs.
type ImageAPI interface {
	Ingest(ctx context.Context, r io.Reader, owner, mime string, declaredSize int64) (*metadata.Image, string, error)
	Metadata(ctx context.Context, imageID string) (*metadata.Image, string, string, error)
	Delete(ctx context.Context, imageID string) error
	DownloadURL(ctx context.Context, imageID, revisionID string) (string, error)
}

// RevisionAPI is the slice of RevisionService the handler needs.
type RevisionAPI interface {
	ApplyOp(ctx context.Context, imageID string, op operations.Operation) (*metadata.Revision, string, error)
	Undo(ctx context.Context, imageID string) (*metadata.Revision, string, error)
	History(ctx context.Context, imageID string) ([]metadata.Revision, error)
}

type Handler struct {
	images    ImageAPI
	revisions RevisionAPI

	// blobs is non-nil in local storage mode only; it backs the /blobs
	// route that serves this instance's own signed URLs.
	blobs storage.SignedBlobServer

	maxUploadBytes int64
}

// maxWireFrameBytes bounds an IEv1 request body; the largest valid frame is
// a 12-byte header plus an 8-byte resize payload.
const maxWireFrameBytes = 64

func New(images ImageAPI, revisions RevisionAPI, blobs storage.SignedBlobServer, maxUploadBytes int64) *Handler {
	return &Handler{
		images:         images,
		revisions:      revisions,
		blobs:          blobs,
		maxUploadBytes: maxUploadBytes,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/health", h.health)

	r.Route("/v1/images", func(r chi.Router) {
		r.Post("/", h.upload)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.metadata)
			r.Delete("/", h.delete)
			r.Post("/ops", h.binaryOp)
			r.Post("/rotate", h.rotate)
			r.Post("/flip", h.flip)
			r.Post("/resize", h.resize)
			r.Post("/compress", h.compress)
			r.Post("/undo", h.undo)
			r.Get("/history", h.history)
			r.Get("/revisions/{revisionId}", h.revisionDownload)
		})
	})

	if h.blobs != nil {
		r.Get("/blobs/{bucket}/*", h.serveBlob)
	}

	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	// Multipart framing adds overhead on top of the image cap.
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+1<<20)

	file, header, err := r.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, apperr.ErrTooLarge)
			return
		}
		writeErrorMessage(w, http.StatusBadRequest, "multipart field \"image\" is required")
		return
	}
	defer file.Close()

	mime := header.Header.Get("Content-Type")
	img, thumbURL, err := h.images.Ingest(r.Context(), file, ownerFrom(r), mime, header.Size)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"imageId":      img.ID,
		"thumbnailUrl": thumbURL,
		"size":         img.SizeBytes,
		"mimeType":     img.Mime,
	})
}

func (h *Handler) metadata(w http.ResponseWriter, r *http.Request) {
	img, downloadURL, thumbURL, err := h.images.Metadata(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"imageId":      img.ID,
		"size":         img.SizeBytes,
		"mimeType":     img.Mime,
		"createdAt":    img.CreatedAt.UTC().Format(time.RFC3339),
		"downloadUrl":  downloadURL,
		"thumbnailUrl": thumbURL,
	})
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.images.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) rotate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Degrees int `json:"degrees"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	h.applyOp(w, r, operations.Rotate{Degrees: body.Degrees})
}

func (h *Handler) flip(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Horizontal bool `json:"horizontal"`
		Vertical   bool `json:"vertical"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	h.applyOp(w, r, operations.Flip{Horizontal: body.Horizontal, Vertical: body.Vertical})
}

func (h *Handler) resize(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Width  *int `json:"width"`
		Height *int `json:"height"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	op := operations.Resize{}
	if body.Width != nil {
		op.Width = *body.Width
	}
	if body.Height != nil {
		op.Height = *body.Height
	}
	h.applyOp(w, r, op)
}

func (h *Handler) compress(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Quality int `json:"quality"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	h.applyOp(w, r, operations.Compress{Quality: body.Quality})
}

// binaryOp accepts one IEv1-encoded operation as an octet-stream body.
func (h *Handler) binaryOp(w http.ResponseWriter, r *http.Request) {
	frame, err := io.ReadAll(io.LimitReader(r.Body, maxWireFrameBytes))
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	op, err := operations.Decode(frame)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.applyOp(w, r, op)
}

func (h *Handler) applyOp(w http.ResponseWriter, r *http.Request, op operations.Operation) {
	rev, url, err := h.revisions.ApplyOp(r.Context(), chi.URLParam(r, "id"), op)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, revisionBody(rev, url))
}

func (h *Handler) undo(w http.ResponseWriter, r *http.Request) {
	rev, url, err := h.revisions.Undo(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, revisionBody(rev, url))
}

// revisionDownload signs a URL for one specific revision's bytes, letting
// clients reach a historical state listed by /history.
func (h *Handler) revisionDownload(w http.ResponseWriter, r *http.Request) {
	revisionID := chi.URLParam(r, "revisionId")
	url, err := h.images.DownloadURL(r.Context(), chi.URLParam(r, "id"), revisionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"revisionId":  revisionID,
		"downloadUrl": url,
	})
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	imageID := chi.URLParam(r, "id")
	revs, err := h.revisions.History(r.Context(), imageID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	items := make([]map[string]any, 0, len(revs))
	for i := range revs {
		rev := &revs[i]
		item := map[string]any{
			"revisionId": rev.ID,
			"operation":  rev.OpType.String(),
			"params":     rev.OpParams,
			"createdAt":  rev.CreatedAt.UTC().Format(time.RFC3339),
		}
		if rev.ParentID != nil {
			item["parentId"] = *rev.ParentID
		}
		items = append(items, item)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"imageId":   imageID,
		"revisions": items,
	})
}

// serveBlob backs the local driver's signed URLs. Signature failures return
// 404 rather than 403 to avoid disclosing whether the object exists.
func (h *Handler) serveBlob(w http.ResponseWriter, r *http.Request) {
	bucket := storage.Bucket(chi.URLParam(r, "bucket"))
	switch bucket {
	case storage.BucketRaw, storage.BucketResults, storage.BucketThumb:
	default:
		http.NotFound(w, r)
		return
	}

	path := chi.URLParam(r, "*")
	query := r.URL.Query()
	if err := h.blobs.VerifySignedRequest(bucket, path, query.Get("exp"), query.Get("sig")); err != nil {
		logger.Warnf("[Handler] Rejected blob request %s/%s: %v", bucket, path, err)
		http.NotFound(w, r)
		return
	}

	data, err := h.blobs.Get(r.Context(), bucket, path)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			http.NotFound(w, r)
			return
		}
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", storage.MimeForPath(path))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.Write(data)
}

func ownerFrom(r *http.Request) string {
	if owner := r.Header.Get("x-user-id"); owner != "" {
		return owner
	}
	return uuid.NewString()
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "malformed JSON body")
		return false
	}
	return true
}

func revisionBody(rev *metadata.Revision, url string) map[string]any {
	return map[string]any{
		"revisionId":  rev.ID,
		"downloadUrl": url,
		"operation":   rev.OpType.String(),
		"params":      rev.OpParams,
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Warnf("[Handler] Failed to write response: %v", err)
	}
}

func writeErrorMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeError maps error kinds onto the REST status contract.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, apperr.ErrValidation),
		errors.Is(err, apperr.ErrProtocol),
		errors.Is(err, apperr.ErrNothingToUndo),
		errors.Is(err, apperr.ErrCannotUndoOriginal):
		status = http.StatusBadRequest
	case errors.Is(err, apperr.ErrUnsupportedMime):
		status = http.StatusUnsupportedMediaType
	case errors.Is(err, apperr.ErrTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, apperr.ErrCodec):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, apperr.ErrConcurrency):
		status = http.StatusServiceUnavailable
	}

	if status >= 500 {
		logger.Errorf("[Handler] %s %s failed: %v", r.Method, r.URL.Path, err)
	} else {
		logger.Debugf("[Handler] %s %s rejected: %v", r.Method, r.URL.Path, err)
	}
	writeErrorMessage(w, status, err.Error())
}
