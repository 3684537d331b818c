package storage

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}

func TestExtForMime(t *testing.T) {
	assert.Equal(t, "jpg", ExtForMime("image/jpeg"))
	assert.Equal(t, "png", ExtForMime("image/png"))
	assert.Equal(t, "webp", ExtForMime("image/webp"))
	assert.Equal(t, "bin", ExtForMime("application/pdf"))
}

func TestMimeForPath(t *testing.T) {
	assert.Equal(t, "image/jpeg", MimeForPath("a/b.jpg"))
	assert.Equal(t, "image/jpeg", MimeForPath("a/b.jpeg"))
	assert.Equal(t, "image/png", MimeForPath("b.png"))
	assert.Equal(t, "image/webp", MimeForPath("b.webp"))
	assert.Equal(t, "application/octet-stream", MimeForPath("b.gif"))
}

func TestPathLayout(t *testing.T) {
	assert.Equal(t, "owner-1/img-1.jpg", RawPath("owner-1", "img-1", "image/jpeg"))
	assert.Equal(t, "img-1_rev-1.png", ResultPath("img-1", "rev-1", "image/png"))
	assert.Equal(t, "img-1.webp", ThumbPath("img-1"))
}

func TestSignerRoundTrip(t *testing.T) {
	signer, err := NewSigner("test-secret")
	require.NoError(t, err)

	exp, sig := signer.Sign(BucketThumb, "img-1.webp", time.Hour)
	assert.Greater(t, exp, time.Now().Unix())
	assert.Len(t, sig, 16)

	assert.NoError(t, signer.Verify(BucketThumb, "img-1.webp", itoa(exp), sig))
}

func TestSignerRejectsTampering(t *testing.T) {
	signer, err := NewSigner("test-secret")
	require.NoError(t, err)

	exp, sig := signer.Sign(BucketRaw, "owner/img.jpg", time.Hour)
	expStr := itoa(exp)

	assert.Error(t, signer.Verify(BucketRaw, "owner/other.jpg", expStr, sig), "path swap")
	assert.Error(t, signer.Verify(BucketResults, "owner/img.jpg", expStr, sig), "bucket swap")
	assert.Error(t, signer.Verify(BucketRaw, "owner/img.jpg", itoa(exp+60), sig), "expiry extension")
	assert.Error(t, signer.Verify(BucketRaw, "owner/img.jpg", expStr, "0000000000000000"), "forged signature")
	assert.Error(t, signer.Verify(BucketRaw, "owner/img.jpg", "not-a-number", sig), "garbled expiry")
}

func TestSignerRejectsExpired(t *testing.T) {
	signer, err := NewSigner("test-secret")
	require.NoError(t, err)

	exp, sig := signer.Sign(BucketThumb, "img-1.webp", -time.Minute)
	assert.Error(t, signer.Verify(BucketThumb, "img-1.webp", itoa(exp), sig))
}

func TestSignerKeysDifferPerSecret(t *testing.T) {
	a, err := NewSigner("secret-a")
	require.NoError(t, err)
	b, err := NewSigner("secret-b")
	require.NoError(t, err)

	exp, sig := a.Sign(BucketThumb, "img-1.webp", time.Hour)
	assert.Error(t, b.Verify(BucketThumb, "img-1.webp", itoa(exp), sig))
}

func TestSignerEmptySecretIsRandom(t *testing.T) {
	a, err := NewSigner("")
	require.NoError(t, err)
	b, err := NewSigner("")
	require.NoError(t, err)

	exp, sig := a.Sign(BucketThumb, "img-1.webp", time.Hour)
	assert.NoError(t, a.Verify(BucketThumb, "img-1.webp", itoa(exp), sig))
	assert.Error(t, b.Verify(BucketThumb, "img-1.webp", itoa(exp), sig))
}
