// Package skin rescales player skin images between the classic 64x64 layout
// and the 128x128 high-resolution layout.
package skin

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"

	"github.com/rs/zerolog/log"
	"golang.org/x/image/draw"
)

const (
	ClassicSize = 64
	HiResSize   = 128

	// MaxSize bounds both input and output dimensions.
	MaxSize = 1024

	// DimensionTolerance is how far a skin may deviate from its expected
	// size and still be accepted.
	DimensionTolerance = 2
)

var (
	ErrEmpty          = errors.New("skin data is empty")
	ErrDecode         = errors.New("failed to decode skin image")
	ErrBadDimensions  = errors.New("invalid skin dimensions")
	ErrUnexpectedSize = errors.New("skin does not have the expected size")
)

// Resize decodes a PNG, scales it to width x height with bilinear
// interpolation and returns the PNG encoding of the result.
func Resize(data []byte, width, height int) ([]byte, error) {
	if width <= 0 || height <= 0 || width > MaxSize || height > MaxSize {
		return nil, fmt.Errorf("%w: target %dx%d", ErrBadDimensions, width, height)
	}

	src, err := Decode(data)
	if err != nil {
		return nil, err
	}

	b := src.Bounds()
	log.Debug().
		Int("from_w", b.Dx()).Int("from_h", b.Dy()).
		Int("to_w", width).Int("to_h", height).
		Msg("resizing skin")

	dst := Scale(src, width, height)

	var out bytes.Buffer
	if err := png.Encode(&out, dst); err != nil {
		return nil, fmt.Errorf("failed to encode skin: %w", err)
	}
	return out.Bytes(), nil
}

// ToHiRes scales a classic skin up to 128x128.
func ToHiRes(data []byte) ([]byte, error) {
	return Resize(data, HiResSize, HiResSize)
}

// ToClassic scales a high-resolution skin down to 64x64.
func ToClassic(data []byte) ([]byte, error) {
	return Resize(data, ClassicSize, ClassicSize)
}

// Decode parses PNG data and rejects empty or oversized images.
func Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}

	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width > MaxSize || cfg.Height > MaxSize {
		return nil, fmt.Errorf("%w: %dx%d", ErrBadDimensions, cfg.Width, cfg.Height)
	}

	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return img, nil
}

// Scale draws src onto a new width x height RGBA canvas.
func Scale(src image.Image, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

// ValidateDimensions reports whether img is within DimensionTolerance
// pixels of width x height.
func ValidateDimensions(img image.Image, width, height int) bool {
	if img == nil {
		return false
	}
	b := img.Bounds()
	return abs(b.Dx()-width) <= DimensionTolerance && abs(b.Dy()-height) <= DimensionTolerance
}

// CheckDimensions is ValidateDimensions returning an error for callers.
func CheckDimensions(img image.Image, width, height int) error {
	if ValidateDimensions(img, width, height) {
		return nil
	}
	if img == nil {
		return fmt.Errorf("%w: no image", ErrUnexpectedSize)
	}
	b := img.Bounds()
	return fmt.Errorf("%w: got %dx%d, want %dx%d", ErrUnexpectedSize, b.Dx(), b.Dy(), width, height)
}

// ExtractRegion copies the w x h rectangle at (x, y) from src, clamped to
// the source bounds.
func ExtractRegion(src image.Image, x, y, w, h int) *image.RGBA {
	b := src.Bounds()
	r := image.Rect(b.Min.X+x, b.Min.Y+y, b.Min.X+x+w, b.Min.Y+y+h).Intersect(b)
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), src, r.Min, draw.Src)
	return dst
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
