// Package decode turns stored page bytes into images.
package decode

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // GIF decoder registration
	_ "image/jpeg" // JPEG decoder registration
	_ "image/png"  // PNG decoder registration
	"io"

	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"  // BMP decoder registration
	_ "golang.org/x/image/tiff" // TIFF decoder registration
	_ "golang.org/x/image/webp" // WebP decoder registration
)

// ErrEmptyImage is returned for images with no pixels.
var ErrEmptyImage = errors.New("image has no pixels")

// Decoder decodes any registered format and optionally scales the result
// down to fit MaxWidth x MaxHeight, keeping the aspect ratio. Zero limits
// disable scaling.
type Decoder struct {
	MaxWidth  int
	MaxHeight int
}

// New returns a Decoder with the given bounds.
func New(maxWidth, maxHeight int) *Decoder {
	return &Decoder{MaxWidth: maxWidth, MaxHeight: maxHeight}
}

// Decode reads one image from r.
func (d *Decoder) Decode(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return nil, ErrEmptyImage
	}
	w, h, scale := d.fit(bounds.Dx(), bounds.Dy())
	if !scale {
		return img, nil
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
	return dst, nil
}

// fit returns the target size and whether scaling is needed.
func (d *Decoder) fit(width, height int) (int, int, bool) {
	maxW, maxH := d.MaxWidth, d.MaxHeight
	if maxW <= 0 && maxH <= 0 {
		return width, height, false
	}
	if maxW <= 0 {
		maxW = width
	}
	if maxH <= 0 {
		maxH = height
	}
	if width <= maxW && height <= maxH {
		return width, height, false
	}
	ratio := float64(width) / float64(height)
	if float64(maxW)/float64(maxH) > ratio {
		width = max(1, int(float64(maxH)*ratio))
		height = maxH
	} else {
		height = max(1, int(float64(maxW)/ratio))
		width = maxW
	}
	return width, height, true
}
