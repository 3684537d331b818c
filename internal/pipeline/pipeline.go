// Package pipeline adapts validated operations to libvips calls. Every
// revision is produced from a fresh decode of its explicit source bytes;
// chaining decoded images across operations is forbidden.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"

	"github.com/cshum/vipsgen/vips"

	"github.com/sashko-guz/atelier/internal/apperr"
	"github.com/sashko-guz/atelier/internal/logger"
	"github.com/sashko-guz/atelier/internal/operations"
)

const (
	MimeJPEG = "image/jpeg"
	MimePNG  = "image/png"
	MimeWebP = "image/webp"

	thumbBound   = 400
	thumbQuality = 80

	// Re-encode quality for geometric operations on JPEG sources. Only
	// COMPRESS carries an explicit quality.
	defaultJPEGQuality = 90
)

type Processor struct {
	sem chan struct{}
}

// New creates a processor with a bounded number of concurrent vips
// invocations: 2x CPU cores capped at 32, overridable via
// VIPS_MAX_CONCURRENT.
func New() *Processor {
	maxConcurrent := min(runtime.NumCPU()*2, 32)
	if override := os.Getenv("VIPS_MAX_CONCURRENT"); override != "" {
		if val, err := strconv.Atoi(override); err == nil && val > 0 {
			maxConcurrent = val
			logger.Infof("[Pipeline] Using VIPS_MAX_CONCURRENT override: %d", maxConcurrent)
		}
	}

	logger.Infof("[Pipeline] Process concurrency: %d workers (CPU cores: %d)", maxConcurrent, runtime.NumCPU())
	return &Processor{sem: make(chan struct{}, maxConcurrent)}
}

// Apply decodes src once, applies op, and encodes once. The output mime is
// JPEG for COMPRESS regardless of source, otherwise the source mime.
func (p *Processor) Apply(ctx context.Context, src []byte, op operations.Operation, srcMime string) ([]byte, string, error) {
	if err := p.acquire(ctx); err != nil {
		return nil, "", err
	}
	defer p.release()

	img, err := vips.NewImageFromBuffer(src, vips.DefaultLoadOptions())
	if err != nil {
		return nil, "", fmt.Errorf("%w: failed to decode source: %v", apperr.ErrCodec, err)
	}
	defer img.Close()

	outMime := srcMime
	quality := defaultJPEGQuality

	switch v := op.(type) {
	case operations.Rotate:
		if err := img.Rot(rotAngle(v.Degrees)); err != nil {
			return nil, "", fmt.Errorf("%w: rotate %d: %v", apperr.ErrCodec, v.Degrees, err)
		}
	case operations.Flip:
		// Both flags set must be applied as two flips for a bit-identical
		// result with the single-axis cases.
		if v.Horizontal {
			if err := img.Flip(vips.DirectionHorizontal); err != nil {
				return nil, "", fmt.Errorf("%w: horizontal flip: %v", apperr.ErrCodec, err)
			}
		}
		if v.Vertical {
			if err := img.Flip(vips.DirectionVertical); err != nil {
				return nil, "", fmt.Errorf("%w: vertical flip: %v", apperr.ErrCodec, err)
			}
		}
	case operations.Resize:
		if err := resizeInside(img, v.Width, v.Height); err != nil {
			return nil, "", err
		}
	case operations.Compress:
		outMime = MimeJPEG
		quality = v.Quality
	default:
		return nil, "", fmt.Errorf("%w: unsupported operation %q", apperr.ErrValidation, op.Name())
	}

	out, err := encode(img, outMime, quality)
	if err != nil {
		return nil, "", err
	}
	return out, outMime, nil
}

// Thumbnail derives a WebP preview fitting inside 400x400.
func (p *Processor) Thumbnail(ctx context.Context, src []byte) ([]byte, error) {
	if err := p.acquire(ctx); err != nil {
		return nil, err
	}
	defer p.release()

	img, err := vips.NewThumbnailBuffer(src, thumbBound, &vips.ThumbnailBufferOptions{
		Height: thumbBound,
		Size:   vips.SizeDown,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create thumbnail: %v", apperr.ErrCodec, err)
	}
	defer img.Close()

	out, err := img.WebpsaveBuffer(&vips.WebpsaveBufferOptions{Q: thumbQuality})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encode thumbnail: %v", apperr.ErrCodec, err)
	}
	return out, nil
}

func (p *Processor) acquire(ctx context.Context) error {
	select {
	case p.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: pipeline queue: %v", apperr.ErrConcurrency, ctx.Err())
	}
}

func (p *Processor) release() {
	<-p.sem
}

func rotAngle(degrees int) vips.Angle {
	switch degrees {
	case 90:
		return vips.AngleD90
	case 180:
		return vips.AngleD180
	default:
		return vips.AngleD270
	}
}

// resizeInside scales the image to fit inside the given bounds with a
// Lanczos-3 kernel. Enlargement is allowed; the 200..4000 parameter range is
// enforced upstream by Validate.
func resizeInside(img *vips.Image, width, height int) error {
	srcWidth := img.Width()
	srcHeight := img.Height()
	if srcWidth <= 0 || srcHeight <= 0 {
		return fmt.Errorf("%w: invalid source dimensions %dx%d", apperr.ErrCodec, srcWidth, srcHeight)
	}

	var scale float64
	switch {
	case width > 0 && height > 0:
		scale = min(float64(width)/float64(srcWidth), float64(height)/float64(srcHeight))
	case width > 0:
		scale = float64(width) / float64(srcWidth)
	default:
		scale = float64(height) / float64(srcHeight)
	}

	if scale == 1 {
		return nil
	}

	options := vips.DefaultResizeOptions()
	options.Kernel = vips.KernelLanczos3
	if err := img.Resize(scale, options); err != nil {
		return fmt.Errorf("%w: resize: %v", apperr.ErrCodec, err)
	}
	return nil
}

func encode(img *vips.Image, mime string, quality int) ([]byte, error) {
	var out []byte
	var err error

	switch mime {
	case MimeJPEG:
		out, err = img.JpegsaveBuffer(&vips.JpegsaveBufferOptions{Q: quality})
	case MimePNG:
		out, err = img.PngsaveBuffer(&vips.PngsaveBufferOptions{})
	case MimeWebP:
		out, err = img.WebpsaveBuffer(&vips.WebpsaveBufferOptions{Q: quality})
	default:
		return nil, fmt.Errorf("%w: unsupported output mime %q", apperr.ErrCodec, mime)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: failed to encode %s: %v", apperr.ErrCodec, mime, err)
	}
	return out, nil
}
