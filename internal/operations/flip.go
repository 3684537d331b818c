package operations

// Flip mirrors the image across one or both axes. Both flags false is
// accepted and degrades to a no-op at the codec level.
type Flip struct {
	Horizontal bool `json:"horizontal"`
	Vertical   bool `json:"vertical"`
}

func (o Flip) Type() OpType { return OpFlip }
func (o Flip) Name() string { return "flip" }
func (o Flip) Params() any  { return o }

func (o Flip) Validate() error {
	return nil
}
