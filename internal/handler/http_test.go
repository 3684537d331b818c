package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sashko-guz/atelier/internal/apperr"
	"github.com/sashko-guz/atelier/internal/metadata"
	"github.com/sashko-guz/atelier/internal/operations"
	"github.com/sashko-guz/atelier/internal/storage"
)

type stubImages struct {
	img *metadata.Image
	err error

	deletedID string
}

func (s *stubImages) Ingest(ctx context.Context, r io.Reader, owner, mime string, declaredSize int64) (*metadata.Image, string, error) {
	if s.err != nil {
		return nil, "", s.err
	}
	return s.img, "https://signed.test/thumb/" + s.img.ID + ".webp", nil
}

func (s *stubImages) Metadata(ctx context.Context, imageID string) (*metadata.Image, string, string, error) {
	if s.err != nil {
		return nil, "", "", s.err
	}
	return s.img, "https://signed.test/raw/" + s.img.OriginalPath, "https://signed.test/thumb/" + s.img.ID + ".webp", nil
}

func (s *stubImages) Delete(ctx context.Context, imageID string) error {
	if s.err != nil {
		return s.err
	}
	s.deletedID = imageID
	return nil
}

func (s *stubImages) DownloadURL(ctx context.Context, imageID, revisionID string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "https://signed.test/results/" + imageID + "_" + revisionID + ".jpg", nil
}

// stubRevisions mirrors the service's validate-first behavior so status
// mapping can be exercised end to end through the router.
type stubRevisions struct {
	err     error
	history []metadata.Revision

	applied operations.Operation
}

func cannedRevision(op operations.Operation) *metadata.Revision {
	params, _ := json.Marshal(op.Params())
	return &metadata.Revision{
		ID:          "rev-1",
		ImageID:     "img-1",
		OpType:      op.Type(),
		OpParams:    params,
		StoragePath: "img-1_rev-1.jpg",
		CreatedAt:   time.Unix(1_700_000_000, 0),
	}
}

func (s *stubRevisions) ApplyOp(ctx context.Context, imageID string, op operations.Operation) (*metadata.Revision, string, error) {
	if err := op.Validate(); err != nil {
		return nil, "", err
	}
	if s.err != nil {
		return nil, "", s.err
	}
	s.applied = op
	rev := cannedRevision(op)
	return rev, "https://signed.test/results/" + rev.StoragePath, nil
}

func (s *stubRevisions) Undo(ctx context.Context, imageID string) (*metadata.Revision, string, error) {
	if s.err != nil {
		return nil, "", s.err
	}
	rev := cannedRevision(operations.Rotate{Degrees: 90})
	return rev, "https://signed.test/results/" + rev.StoragePath, nil
}

func (s *stubRevisions) History(ctx context.Context, imageID string) ([]metadata.Revision, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.history, nil
}

func newTestHandler(images *stubImages, revisions *stubRevisions) http.Handler {
	if images.img == nil {
		images.img = &metadata.Image{
			ID:           "img-1",
			Owner:        "owner-1",
			OriginalPath: "owner-1/img-1.jpg",
			SizeBytes:    1234,
			Mime:         "image/jpeg",
			CreatedAt:    time.Unix(1_700_000_000, 0),
		}
	}
	return New(images, revisions, nil, 10<<20).Routes()
}

func doJSON(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealth(t *testing.T) {
	h := newTestHandler(&stubImages{}, &stubRevisions{})
	rec := doJSON(t, h, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeMap(t, rec)["status"])
}

func TestUpload(t *testing.T) {
	h := newTestHandler(&stubImages{}, &stubRevisions{})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="image"; filename="cat.jpg"`)
	header.Set("Content-Type", "image/jpeg")
	part, err := mw.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write([]byte("jpeg bytes"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/images/", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decodeMap(t, rec)
	assert.Equal(t, "img-1", body["imageId"])
	assert.Contains(t, body["thumbnailUrl"], "img-1.webp")
}

func TestUploadMissingField(t *testing.T) {
	h := newTestHandler(&stubImages{}, &stubRevisions{})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("not-image", "x"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/images/", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeMap(t, rec)["error"], "image")
}

func TestMetadata(t *testing.T) {
	h := newTestHandler(&stubImages{}, &stubRevisions{})
	rec := doJSON(t, h, http.MethodGet, "/v1/images/img-1/", "")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeMap(t, rec)
	assert.Equal(t, "img-1", body["imageId"])
	assert.Equal(t, float64(1234), body["size"])
	assert.Equal(t, "image/jpeg", body["mimeType"])
	assert.NotEmpty(t, body["downloadUrl"])
	assert.NotEmpty(t, body["thumbnailUrl"])
}

func TestDelete(t *testing.T) {
	images := &stubImages{}
	h := newTestHandler(images, &stubRevisions{})
	rec := doJSON(t, h, http.MethodDelete, "/v1/images/img-1/", "")

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "img-1", images.deletedID)
}

func TestRotate(t *testing.T) {
	revisions := &stubRevisions{}
	h := newTestHandler(&stubImages{}, revisions)
	rec := doJSON(t, h, http.MethodPost, "/v1/images/img-1/rotate", `{"degrees":90}`)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	body := decodeMap(t, rec)
	assert.Equal(t, "rev-1", body["revisionId"])
	assert.Equal(t, "rotate", body["operation"])
	assert.NotEmpty(t, body["downloadUrl"])
	assert.Equal(t, operations.Rotate{Degrees: 90}, revisions.applied)
}

func TestFlip(t *testing.T) {
	revisions := &stubRevisions{}
	h := newTestHandler(&stubImages{}, revisions)
	rec := doJSON(t, h, http.MethodPost, "/v1/images/img-1/flip", `{"horizontal":true}`)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, operations.Flip{Horizontal: true}, revisions.applied)
}

func TestResize(t *testing.T) {
	revisions := &stubRevisions{}
	h := newTestHandler(&stubImages{}, revisions)

	rec := doJSON(t, h, http.MethodPost, "/v1/images/img-1/resize", `{"width":800}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, operations.Resize{Width: 800}, revisions.applied)

	rec = doJSON(t, h, http.MethodPost, "/v1/images/img-1/resize", `{"width":800,"height":600}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, operations.Resize{Width: 800, Height: 600}, revisions.applied)
}

func TestCompress(t *testing.T) {
	revisions := &stubRevisions{}
	h := newTestHandler(&stubImages{}, revisions)
	rec := doJSON(t, h, http.MethodPost, "/v1/images/img-1/compress", `{"quality":85}`)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, operations.Compress{Quality: 85}, revisions.applied)
}

func TestBinaryOp(t *testing.T) {
	revisions := &stubRevisions{}
	h := newTestHandler(&stubImages{}, revisions)

	frame, err := operations.Encode(operations.Resize{Width: 800})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/images/img-1/ops", bytes.NewReader(frame))
	req.Header.Set("Content-Type", "application/octet-stream")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, operations.Resize{Width: 800}, revisions.applied)
}

func TestBinaryOpRejectsTamperedFrame(t *testing.T) {
	h := newTestHandler(&stubImages{}, &stubRevisions{})

	frame, err := operations.Encode(operations.Rotate{Degrees: 90})
	require.NoError(t, err)
	frame[len(frame)-1] ^= 0x01

	req := httptest.NewRequest(http.MethodPost, "/v1/images/img-1/ops", bytes.NewReader(frame))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOperationValidationFailures(t *testing.T) {
	h := newTestHandler(&stubImages{}, &stubRevisions{})

	tests := []struct {
		path string
		body string
	}{
		{"/v1/images/img-1/rotate", `{"degrees":45}`},
		{"/v1/images/img-1/rotate", `{"degrees":0}`},
		{"/v1/images/img-1/resize", `{}`},
		{"/v1/images/img-1/resize", `{"width":100}`},
		{"/v1/images/img-1/resize", `{"width":5000}`},
		{"/v1/images/img-1/compress", `{"quality":5}`},
		{"/v1/images/img-1/compress", `{"quality":150}`},
	}
	for _, tt := range tests {
		rec := doJSON(t, h, http.MethodPost, tt.path, tt.body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "%s %s", tt.path, tt.body)
	}
}

func TestMalformedJSONBody(t *testing.T) {
	h := newTestHandler(&stubImages{}, &stubRevisions{})
	rec := doJSON(t, h, http.MethodPost, "/v1/images/img-1/rotate", `{"degrees":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUndo(t *testing.T) {
	h := newTestHandler(&stubImages{}, &stubRevisions{})
	rec := doJSON(t, h, http.MethodPost, "/v1/images/img-1/undo", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "rev-1", decodeMap(t, rec)["revisionId"])
}

func TestHistory(t *testing.T) {
	parent := "rev-1"
	revisions := &stubRevisions{history: []metadata.Revision{
		{ID: "rev-1", ImageID: "img-1", OpType: operations.OpRotate, OpParams: json.RawMessage(`{"degrees":90}`), CreatedAt: time.Unix(1_700_000_000, 0)},
		{ID: "rev-2", ImageID: "img-1", ParentID: &parent, OpType: operations.OpFlip, OpParams: json.RawMessage(`{"horizontal":true,"vertical":false}`), CreatedAt: time.Unix(1_700_000_060, 0)},
	}}
	h := newTestHandler(&stubImages{}, revisions)

	rec := doJSON(t, h, http.MethodGet, "/v1/images/img-1/history", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeMap(t, rec)
	assert.Equal(t, "img-1", body["imageId"])
	items, ok := body["revisions"].([]any)
	require.True(t, ok)
	require.Len(t, items, 2)

	first := items[0].(map[string]any)
	assert.Equal(t, "rev-1", first["revisionId"])
	assert.Equal(t, "rotate", first["operation"])
	_, hasParent := first["parentId"]
	assert.False(t, hasParent)

	second := items[1].(map[string]any)
	assert.Equal(t, "rev-1", second["parentId"])
	assert.Equal(t, "flip", second["operation"])
}

func TestRevisionDownload(t *testing.T) {
	h := newTestHandler(&stubImages{}, &stubRevisions{})
	rec := doJSON(t, h, http.MethodGet, "/v1/images/img-1/revisions/rev-1", "")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeMap(t, rec)
	assert.Equal(t, "rev-1", body["revisionId"])
	assert.Equal(t, "https://signed.test/results/img-1_rev-1.jpg", body["downloadUrl"])
}

func TestRevisionDownloadUnknown(t *testing.T) {
	images := &stubImages{err: fmt.Errorf("%w: revision", apperr.ErrNotFound)}
	h := newTestHandler(images, &stubRevisions{})
	rec := doJSON(t, h, http.MethodGet, "/v1/images/img-1/revisions/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestErrorStatusMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: image x", apperr.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: no revisions", apperr.ErrNothingToUndo), http.StatusBadRequest},
		{fmt.Errorf("%w: image x", apperr.ErrCannotUndoOriginal), http.StatusBadRequest},
		{fmt.Errorf("%w: bad frame", apperr.ErrProtocol), http.StatusBadRequest},
		{fmt.Errorf("%w: gif", apperr.ErrUnsupportedMime), http.StatusUnsupportedMediaType},
		{fmt.Errorf("%w: big", apperr.ErrTooLarge), http.StatusRequestEntityTooLarge},
		{fmt.Errorf("%w: decode", apperr.ErrCodec), http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: busy", apperr.ErrConcurrency), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		h := newTestHandler(&stubImages{}, &stubRevisions{err: tt.err})
		rec := doJSON(t, h, http.MethodPost, "/v1/images/img-1/undo", "")
		assert.Equal(t, tt.want, rec.Code, "%v", tt.err)
	}
}

// fakeBlobServer backs the /blobs route without touching the filesystem.
type fakeBlobServer struct {
	objects map[string][]byte
	goodSig string
}

func (f *fakeBlobServer) Put(ctx context.Context, bucket storage.Bucket, path string, data []byte, contentType string) error {
	f.objects[string(bucket)+"/"+path] = data
	return nil
}

func (f *fakeBlobServer) Get(ctx context.Context, bucket storage.Bucket, path string) ([]byte, error) {
	data, ok := f.objects[string(bucket)+"/"+path]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", storage.ErrObjectNotFound, bucket, path)
	}
	return data, nil
}

func (f *fakeBlobServer) Delete(ctx context.Context, bucket storage.Bucket, path string) error {
	delete(f.objects, string(bucket)+"/"+path)
	return nil
}

func (f *fakeBlobServer) Exists(ctx context.Context, bucket storage.Bucket, path string) (bool, error) {
	_, ok := f.objects[string(bucket)+"/"+path]
	return ok, nil
}

func (f *fakeBlobServer) SignedURL(ctx context.Context, bucket storage.Bucket, path string, ttl time.Duration) (string, error) {
	return "http://localhost/blobs/" + string(bucket) + "/" + path + "?exp=9999999999&sig=" + f.goodSig, nil
}

func (f *fakeBlobServer) DeleteImageObjects(ctx context.Context, imageID string) error {
	return nil
}

func (f *fakeBlobServer) VerifySignedRequest(bucket storage.Bucket, path, exp, sig string) error {
	if sig != f.goodSig {
		return errors.New("invalid signature")
	}
	return nil
}

func TestServeBlob(t *testing.T) {
	blobs := &fakeBlobServer{
		objects: map[string][]byte{"thumb/img-1.webp": []byte("webp bytes")},
		goodSig: "abcd1234",
	}
	h := New(&stubImages{img: &metadata.Image{ID: "img-1"}}, &stubRevisions{}, blobs, 10<<20).Routes()

	rec := doJSON(t, h, http.MethodGet, "/blobs/thumb/img-1.webp?exp=9999999999&sig=abcd1234", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/webp", rec.Header().Get("Content-Type"))
	assert.Equal(t, "webp bytes", rec.Body.String())

	// Bad signature and missing object both come back 404.
	rec = doJSON(t, h, http.MethodGet, "/blobs/thumb/img-1.webp?exp=9999999999&sig=wrong", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/blobs/thumb/other.webp?exp=9999999999&sig=abcd1234", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/blobs/secrets/img-1.webp?exp=9999999999&sig=abcd1234", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeBlobRouteAbsentWithoutServer(t *testing.T) {
	h := newTestHandler(&stubImages{}, &stubRevisions{})
	rec := doJSON(t, h, http.MethodGet, "/blobs/thumb/img-1.webp?exp=1&sig=x", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
