package storage

import (
	"crypto/hmac"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"lukechampine.com/blake3"
)

// Signer produces and verifies the time-limited signatures used by the
// local driver's download URLs. The MAC is a keyed BLAKE3 over
// "<bucket>/<path>:<expiry-unix>", truncated to 16 hex chars.
type Signer struct {
	key [32]byte
}

// NewSigner derives the signing key from secret. An empty secret gets a
// random key, which limits signed URLs to the current process lifetime.
func NewSigner(secret string) (*Signer, error) {
	s := &Signer{}
	if secret == "" {
		if _, err := rand.Read(s.key[:]); err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
		return s, nil
	}
	s.key = blake3.Sum256([]byte(secret))
	return s, nil
}

// Sign returns (expiry, signature) for the given object.
func (s *Signer) Sign(bucket Bucket, path string, ttl time.Duration) (int64, string) {
	exp := time.Now().Add(ttl).Unix()
	return exp, s.mac(bucket, path, exp)
}

// Verify checks the signature and expiry produced by Sign.
func (s *Signer) Verify(bucket Bucket, path, expStr, sig string) error {
	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid expiry %q", expStr)
	}
	if time.Now().Unix() > exp {
		return fmt.Errorf("signature expired at %d", exp)
	}
	if !hmac.Equal([]byte(sig), []byte(s.mac(bucket, path, exp))) {
		return fmt.Errorf("invalid signature")
	}
	return nil
}

func (s *Signer) mac(bucket Bucket, path string, exp int64) string {
	h := blake3.New(32, s.key[:])
	fmt.Fprintf(h, "%s/%s:%d", bucket, path, exp)
	return hex.EncodeToString(h.Sum(nil))[:16]
}
