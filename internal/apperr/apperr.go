package apperr

import "errors"

// Error kinds used across the service. Callers wrap these with
// fmt.Errorf("%w: ...") and dispatch with errors.Is; the HTTP layer owns
// the mapping from kind to status code.
var (
	ErrNotFound           = errors.New("not found")
	ErrValidation         = errors.New("validation failed")
	ErrTooLarge           = errors.New("payload too large")
	ErrUnsupportedMime    = errors.New("unsupported media type")
	ErrSourceMissing      = errors.New("source blob missing")
	ErrCodec              = errors.New("codec failure")
	ErrStorage            = errors.New("storage failure")
	ErrMetadata           = errors.New("metadata failure")
	ErrCache              = errors.New("cache failure")
	ErrConcurrency        = errors.New("lock not acquired")
	ErrProtocol           = errors.New("protocol error")
	ErrNothingToUndo      = errors.New("nothing to undo")
	ErrCannotUndoOriginal = errors.New("cannot undo past the original")
	ErrCorrupted          = errors.New("revision history corrupted")
)
