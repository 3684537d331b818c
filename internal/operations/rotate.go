package operations

import (
	"fmt"

	"github.com/sashko-guz/atelier/internal/apperr"
)

// Rotate turns the image clockwise by a right-angle multiple.
type Rotate struct {
	Degrees int `json:"degrees"`
}

func (o Rotate) Type() OpType { return OpRotate }
func (o Rotate) Name() string { return "rotate" }
func (o Rotate) Params() any  { return o }

func (o Rotate) Validate() error {
	switch o.Degrees {
	case 90, 180, 270:
		return nil
	default:
		return fmt.Errorf("%w: rotate degrees must be 90, 180 or 270, got %d", apperr.ErrValidation, o.Degrees)
	}
}
