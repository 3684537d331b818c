package operations

// OpType tags the four transform variants. The numeric values are part of
// the IEv1 wire format and the revisions table, so they must never change.
type OpType uint16

const (
	OpRotate   OpType = 1
	OpFlip     OpType = 2
	OpResize   OpType = 3
	OpCompress OpType = 4
)

func (t OpType) String() string {
	switch t {
	case OpRotate:
		return "rotate"
	case OpFlip:
		return "flip"
	case OpResize:
		return "resize"
	case OpCompress:
		return "compress"
	default:
		return "unknown"
	}
}

// Operation is one validated transform. Implementations are small value
// types; equality is by (type, params) and they hold no I/O state.
type Operation interface {
	// Type returns the wire/storage tag.
	Type() OpType

	// Name returns the lowercase operation identifier.
	Name() string

	// Validate checks parameter ranges. It is pure.
	Validate() error

	// Params returns the JSON-serializable parameter struct stored on the
	// revision row and echoed in API responses.
	Params() any
}
