// Package images turns uploaded cover images into stored JPEG artifacts and
// releases artifacts that are no longer referenced.
package images

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"grimoire/pkg/apperr"
)

const jpegQuality = 80

var (
	ErrUnsupportedType = apperr.Validation("image must be a JPEG, PNG, GIF or WebP file")
	ErrTooLarge        = apperr.Validation("image is too large")
	ErrUndecodable     = apperr.Validation("image could not be decoded")
)

var allowedTypes = []string{"image/jpeg", "image/png", "image/gif", "image/webp"}

// DefaultMaxPixels caps the decoded canvas of an upload at 40 megapixels.
const DefaultMaxPixels = 40_000_000

// Processor validates an upload and normalises it to a JPEG no wider than
// maxWidth.
type Processor struct {
	maxWidth  int
	maxBytes  int64
	maxPixels int64
}

func NewProcessor(maxWidth int, maxBytes, maxPixels int64) *Processor {
	return &Processor{maxWidth: maxWidth, maxBytes: maxBytes, maxPixels: maxPixels}
}

func (p *Processor) Process(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, p.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > p.maxBytes {
		return nil, ErrTooLarge
	}
	if !isAllowed(mimetype.Detect(data)) {
		return nil, ErrUnsupportedType
	}

	// The header declares the canvas size; a small compressed file can still
	// decode into gigabytes.
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, ErrUndecodable
	}
	if int64(cfg.Width)*int64(cfg.Height) > p.maxPixels {
		return nil, ErrTooLarge
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, ErrUndecodable
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, p.fit(src), &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// fit scales src down to maxWidth keeping the aspect ratio and flattens it
// onto white, since JPEG has no alpha channel.
func (p *Processor) fit(src image.Image) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w > p.maxWidth {
		h = h * p.maxWidth / w
		if h < 1 {
			h = 1
		}
		w = p.maxWidth
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	if w == b.Dx() {
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Over)
		return dst
	}
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}

func isAllowed(mt *mimetype.MIME) bool {
	for _, t := range allowedTypes {
		if mt.Is(t) {
			return true
		}
	}
	return false
}
