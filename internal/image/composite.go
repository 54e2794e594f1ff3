package image

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"affine-aligner/pkg/colorutil"

	"gonum.org/v1/gonum/floats"
)

// TintedLayer is one grid drawn in a single color.
type TintedLayer struct {
	Image *Gray
	Color color.RGBA

	// Intensities are scaled from [Min, Max] to [0, 1]. Both zero means use
	// the grid's own range.
	Min, Max float64
}

// Composite sums tinted layers additively and clips to 8 bits. Every layer
// must have the same size.
func Composite(layers ...TintedLayer) (*image.RGBA, error) {
	if len(layers) == 0 {
		return nil, fmt.Errorf("no layers to composite")
	}
	w, h := layers[0].Image.Width, layers[0].Image.Height
	if w*h == 0 {
		return nil, fmt.Errorf("empty layer")
	}
	for i, l := range layers[1:] {
		if l.Image.Width != w || l.Image.Height != h {
			return nil, fmt.Errorf("layer %d is %dx%d, expected %dx%d",
				i+1, l.Image.Width, l.Image.Height, w, h)
		}
	}

	acc := make([][3]float64, w*h)
	for _, l := range layers {
		lo, hi := l.Min, l.Max
		if lo == 0 && hi == 0 {
			lo, hi = floats.Min(l.Image.Pix), floats.Max(l.Image.Pix)
		}
		span := hi - lo
		for i, v := range l.Image.Pix {
			var s float64
			if span > 0 {
				s = (v - lo) / span
			}
			tint := colorutil.Tint(l.Color, s)
			acc[i][0] += tint[0]
			acc[i][1] += tint[1]
			acc[i][2] += tint[2]
		}
	}

	out := image.NewRGBA(image.Rect(0, 0, w, h))
	for i, px := range acc {
		o := i * 4
		out.Pix[o] = uint8(math.Round(clamp(px[0], 0, 255)))
		out.Pix[o+1] = uint8(math.Round(clamp(px[1], 0, 255)))
		out.Pix[o+2] = uint8(math.Round(clamp(px[2], 0, 255)))
		out.Pix[o+3] = 255
	}
	return out, nil
}

// Overlay draws the reference in magenta and an already warped target in
// cyan; where they coincide the result is white.
func Overlay(reference, warped *Gray) (*image.RGBA, error) {
	return Composite(
		TintedLayer{Image: reference, Color: colorutil.Magenta},
		TintedLayer{Image: warped, Color: colorutil.Cyan},
	)
}
