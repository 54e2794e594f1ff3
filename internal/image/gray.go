// Package image provides the intensity grid used by the alignment pipeline,
// conversions to and from image.Image and gocv.Mat, loading and warping.
package image

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"math"
	"runtime"

	"affine-aligner/internal/coords"

	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/floats"
)

// Gray is a single-channel intensity grid stored row-major.
// Images are treated as immutable once built; operations return new grids.
type Gray struct {
	Width  int
	Height int
	Pix    []float64

	// DPI is the scan resolution if the source file recorded one, else 0.
	DPI float64
}

// NewGray creates a zero-filled grid.
func NewGray(width, height int) (*Gray, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", coords.ErrInvalidDimension, width, height)
	}
	return &Gray{
		Width:  width,
		Height: height,
		Pix:    make([]float64, width*height),
	}, nil
}

// FromSlice wraps pix (row-major, len width*height) without copying.
func FromSlice(width, height int, pix []float64) (*Gray, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", coords.ErrInvalidDimension, width, height)
	}
	if len(pix) != width*height {
		return nil, fmt.Errorf("%w: %d samples for %dx%d", coords.ErrInvalidDimension, len(pix), width, height)
	}
	return &Gray{Width: width, Height: height, Pix: pix}, nil
}

// At returns the intensity at (row, col).
func (g *Gray) At(row, col int) float64 {
	return g.Pix[row*g.Width+col]
}

// Set sets the intensity at (row, col).
func (g *Gray) Set(row, col int, v float64) {
	g.Pix[row*g.Width+col] = v
}

// Clone returns a deep copy.
func (g *Gray) Clone() *Gray {
	cp := *g
	cp.Pix = append([]float64(nil), g.Pix...)
	return &cp
}

// Sum returns the total intensity.
func (g *Gray) Sum() float64 {
	return floats.Sum(g.Pix)
}

// Max returns the largest intensity.
func (g *Gray) Max() float64 {
	return floats.Max(g.Pix)
}

// Spacing returns the physical pixel size in millimetres, or 1 when the
// resolution is unknown.
func (g *Gray) Spacing() float64 {
	if g.DPI <= 0 {
		return 1
	}
	return 25.4 / g.DPI
}

// FromImage converts any image to intensities in [0, 1] using the standard
// luminance weights.
func FromImage(img image.Image) *Gray {
	b := img.Bounds()
	g := &Gray{
		Width:  b.Dx(),
		Height: b.Dy(),
		Pix:    make([]float64, b.Dx()*b.Dy()),
	}
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.Gray16Model.Convert(img.At(x, y)).(color.Gray16)
			g.Pix[i] = float64(c.Y) / 65535.0
			i++
		}
	}
	return g
}

// ToImage renders the grid as 8-bit grayscale, scaling [0, max] to [0, 255].
func (g *Gray) ToImage() *image.Gray {
	out := image.NewGray(image.Rect(0, 0, g.Width, g.Height))
	maxV := g.Max()
	if maxV <= 0 {
		return out
	}
	for i, v := range g.Pix {
		out.Pix[i] = uint8(math.Round(clamp(v/maxV, 0, 1) * 255))
	}
	return out
}

// ToMat copies the grid into a new CV64F Mat. The caller must Close it.
func (g *Gray) ToMat() (gocv.Mat, error) {
	data := make([]byte, 8*len(g.Pix))
	for i, v := range g.Pix {
		binary.NativeEndian.PutUint64(data[8*i:], math.Float64bits(v))
	}
	m, err := gocv.NewMatFromBytes(g.Height, g.Width, gocv.MatTypeCV64F, data)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("grid to mat: %w", err)
	}
	defer m.Close()
	// m borrows data; the clone owns its pixels
	out := m.Clone()
	runtime.KeepAlive(data)
	return out, nil
}

// FromMat copies a single-channel Mat into a new grid.
func FromMat(m gocv.Mat) (*Gray, error) {
	if m.Empty() {
		return nil, fmt.Errorf("empty mat")
	}
	if m.Channels() != 1 {
		return nil, fmt.Errorf("expected single-channel mat, got %d channels", m.Channels())
	}

	src := m
	if m.Type() != gocv.MatTypeCV64F || !m.IsContinuous() {
		converted := gocv.NewMat()
		defer converted.Close()
		m.ConvertTo(&converted, gocv.MatTypeCV64F)
		src = converted
	}

	vals, err := src.DataPtrFloat64()
	if err != nil {
		return nil, fmt.Errorf("mat data: %w", err)
	}
	g, err := NewGray(src.Cols(), src.Rows())
	if err != nil {
		return nil, err
	}
	copy(g.Pix, vals)
	return g, nil
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
