package assets

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	"golang.org/x/image/draw"
)

var ErrUnsupportedImage = errors.New("unsupported image encoding")

/**
 * @brief A decoded RGBA8 image with its full mip chain. Levels[0] is the
 * full resolution image, each following level halves both dimensions.
 */
type DecodedImage struct {
	Width  uint32
	Height uint32
	Levels [][]byte
}

// Size is the total number of bytes of all levels.
func (d *DecodedImage) Size() uint64 {
	var n uint64
	for _, l := range d.Levels {
		n += uint64(len(l))
	}
	return n
}

// ImageDecoder turns encoded image bytes into pixels.
type ImageDecoder interface {
	Decode(data []byte, mime string) (*DecodedImage, error)
}

/**
 * @brief Decodes PNG and JPEG and builds the mip chain with a bilinear filter.
 */
type StdImageDecoder struct {
	// Skip the mip chain and keep level 0 only.
	NoMips bool
}

func (d StdImageDecoder) Decode(data []byte, mime string) (*DecodedImage, error) {
	var (
		img image.Image
		err error
	)
	switch mime {
	case MimePNG:
		img, err = png.Decode(bytes.NewReader(data))
	case MimeJPEG:
		img, err = jpeg.Decode(bytes.NewReader(data))
	default:
		return nil, fmt.Errorf("%q: %w", mime, ErrUnsupportedImage)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", mime, err)
	}

	base := toRGBA(img)
	out := &DecodedImage{
		Width:  uint32(base.Rect.Dx()),
		Height: uint32(base.Rect.Dy()),
		Levels: [][]byte{base.Pix},
	}
	if d.NoMips {
		return out, nil
	}

	prev := base
	for w, h := base.Rect.Dx(), base.Rect.Dy(); w > 1 || h > 1; {
		w, h = max(w/2, 1), max(h/2, 1)
		level := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.BiLinear.Scale(level, level.Rect, prev, prev.Rect, draw.Src, nil)
		out.Levels = append(out.Levels, level.Pix)
		prev = level
	}
	return out, nil
}

// MipLevels returns the number of levels of a full chain for a width x height image.
func MipLevels(width, height uint32) uint32 {
	levels := uint32(1)
	for width > 1 || height > 1 {
		width, height = max(width/2, 1), max(height/2, 1)
		levels++
	}
	return levels
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) && rgba.Stride == 4*rgba.Rect.Dx() {
		return rgba
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Rect, img, b.Min, draw.Src)
	return rgba
}
