package image

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"runtime"

	"affine-aligner/pkg/geometry"

	"gocv.io/x/gocv"
)

var (
	ErrInvalidBorderWidth = errors.New("border width must be positive")
	ErrNoMasks            = errors.New("no masks to outline")
)

// warped mask pixels at or above this level stay inside the region
const maskLevel = 0.5

// MaskBorder returns a 0/1 grid marking the outline of the nonzero region of
// mask. The region is grown by width/2 and shrunk by width-width/2 steps of a
// 3x3 cross; the border is where the two disagree.
func MaskBorder(mask *Gray, width int) (*Gray, error) {
	if width < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBorderWidth, width)
	}

	data := make([]byte, len(mask.Pix))
	for i, v := range mask.Pix {
		if v > 0 {
			data[i] = 255
		}
	}
	src, err := gocv.NewMatFromBytes(mask.Height, mask.Width, gocv.MatTypeCV8U, data)
	if err != nil {
		return nil, fmt.Errorf("mask to mat: %w", err)
	}
	defer src.Close()

	kernel := gocv.GetStructuringElement(gocv.MorphCross, image.Point{X: 3, Y: 3})
	defer kernel.Close()

	outer := morph(src, kernel, width/2, true)
	defer outer.Close()
	inner := morph(src, kernel, width-width/2, false)
	defer inner.Close()

	border := gocv.NewMat()
	defer border.Close()
	gocv.BitwiseXor(outer, inner, &border)
	runtime.KeepAlive(data)

	out, err := FromMat(border)
	if err != nil {
		return nil, err
	}
	for i, v := range out.Pix {
		if v > 0 {
			out.Pix[i] = 1
		}
	}
	return out, nil
}

// morph dilates (grow) or erodes src the given number of times.
func morph(src, kernel gocv.Mat, steps int, grow bool) gocv.Mat {
	out := src.Clone()
	tmp := gocv.NewMat()
	defer tmp.Close()
	for i := 0; i < steps; i++ {
		if grow {
			gocv.Dilate(out, &tmp, kernel)
		} else {
			gocv.Erode(out, &tmp, kernel)
		}
		tmp.CopyTo(&out)
	}
	return out
}

// Borders merges the outlines of masks after warping each by t. The identity
// leaves the masks in place. Every mask must have the size of the first.
func Borders(masks []*Gray, t geometry.AffineTransform, width int) (*Gray, error) {
	if len(masks) == 0 {
		return nil, ErrNoMasks
	}
	w, h := masks[0].Width, masks[0].Height
	out, err := NewGray(w, h)
	if err != nil {
		return nil, err
	}

	moved := !t.ApproxEqual(geometry.Identity(), 1e-12)
	for i, mask := range masks {
		if mask.Width != w || mask.Height != h {
			return nil, fmt.Errorf("mask %d is %dx%d, expected %dx%d", i, mask.Width, mask.Height, w, h)
		}
		if moved {
			warped, err := Warp(mask, t, w, h)
			if err != nil {
				return nil, fmt.Errorf("warp mask %d: %w", i, err)
			}
			for k, v := range warped.Pix {
				if v < maskLevel {
					warped.Pix[k] = 0
				}
			}
			mask = warped
		}

		border, err := MaskBorder(mask, width)
		if err != nil {
			return nil, err
		}
		for k, v := range border.Pix {
			if v > 0 {
				out.Pix[k] = 1
			}
		}
	}
	return out, nil
}

// OverlayBorders draws base in baseColor and adds the 0/1 borders grid on
// top in borderColor. Both grids must have the same size.
func OverlayBorders(base, borders *Gray, baseColor, borderColor color.RGBA) (*image.RGBA, error) {
	return Composite(
		TintedLayer{Image: base, Color: baseColor},
		TintedLayer{Image: borders, Color: borderColor, Min: 0, Max: 1},
	)
}
