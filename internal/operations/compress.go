package operations

import (
	"fmt"

	"github.com/sashko-guz/atelier/internal/apperr"
)

// Compress re-encodes the image as JPEG at the given quality. PNG sources
// transcode to JPEG; quality is meaningless for lossless codecs.
type Compress struct {
	Quality int `json:"quality"`
}

func (o Compress) Type() OpType { return OpCompress }
func (o Compress) Name() string { return "compress" }
func (o Compress) Params() any  { return o }

func (o Compress) Validate() error {
	if o.Quality < 10 || o.Quality > 100 {
		return fmt.Errorf("%w: compress quality must be in [10, 100], got %d", apperr.ErrValidation, o.Quality)
	}
	return nil
}
