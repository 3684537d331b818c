package operations

import (
	"fmt"

	"github.com/sashko-guz/atelier/internal/apperr"
)

const (
	minResizePixels = 200
	maxResizePixels = 4000
)

// Resize scales the image to fit inside the given bounds, preserving
// aspect ratio. A zero dimension means "absent"; at least one must be set.
type Resize struct {
	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`
}

func (o Resize) Type() OpType { return OpResize }
func (o Resize) Name() string { return "resize" }
func (o Resize) Params() any  { return o }

func (o Resize) Validate() error {
	if o.Width == 0 && o.Height == 0 {
		return fmt.Errorf("%w: resize requires at least one of width or height", apperr.ErrValidation)
	}
	if o.Width != 0 && (o.Width < minResizePixels || o.Width > maxResizePixels) {
		return fmt.Errorf("%w: resize width must be in [%d, %d], got %d", apperr.ErrValidation, minResizePixels, maxResizePixels, o.Width)
	}
	if o.Height != 0 && (o.Height < minResizePixels || o.Height > maxResizePixels) {
		return fmt.Errorf("%w: resize height must be in [%d, %d], got %d", apperr.ErrValidation, minResizePixels, maxResizePixels, o.Height)
	}
	return nil
}
