package image

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"affine-aligner/internal/coords"
	"affine-aligner/pkg/colorutil"
	"affine-aligner/pkg/geometry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGrayRejectsBadDimensions(t *testing.T) {
	_, err := NewGray(0, 3)
	assert.ErrorIs(t, err, coords.ErrInvalidDimension)

	_, err = FromSlice(2, 2, []float64{1, 2, 3})
	assert.ErrorIs(t, err, coords.ErrInvalidDimension)
}

func TestFromImageAndBack(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 3, 2))
	src.SetGray(0, 0, color.Gray{Y: 255})
	src.SetGray(2, 1, color.Gray{Y: 51})

	g := FromImage(src)
	assert.Equal(t, 3, g.Width)
	assert.Equal(t, 2, g.Height)
	assert.InDelta(t, 1.0, g.At(0, 0), 1e-9)
	assert.InDelta(t, 0.2, g.At(1, 2), 1e-9)
	assert.Equal(t, 0.0, g.At(1, 0))

	back := g.ToImage()
	assert.Equal(t, uint8(255), back.GrayAt(0, 0).Y)
	assert.Equal(t, uint8(51), back.GrayAt(2, 1).Y)
}

func TestMatRoundTrip(t *testing.T) {
	g, err := FromSlice(3, 2, []float64{0, 1.5, 2, -3, 4.25, 5})
	require.NoError(t, err)

	m, err := g.ToMat()
	require.NoError(t, err)
	defer m.Close()
	assert.Equal(t, 2, m.Rows())
	assert.Equal(t, 3, m.Cols())

	back, err := FromMat(m)
	require.NoError(t, err)
	assert.Equal(t, g.Pix, back.Pix)
}

func TestCloneIsDeep(t *testing.T) {
	g, err := NewGray(2, 2)
	require.NoError(t, err)
	cp := g.Clone()
	cp.Set(0, 0, 9)
	assert.Equal(t, 0.0, g.At(0, 0))
	assert.Equal(t, 9.0, cp.Max())
	assert.Equal(t, 9.0, cp.Sum())
}

func TestWarpTranslation(t *testing.T) {
	g, err := NewGray(20, 20)
	require.NoError(t, err)
	g.Set(5, 4, 1)

	out, err := Warp(g, geometry.Translation(3, 2), 20, 20)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, out.At(7, 7), 1e-9)
	assert.InDelta(t, 0.0, out.At(5, 4), 1e-9)
	assert.InDelta(t, 1.0, out.Sum(), 1e-9)
}

func TestOverlayColors(t *testing.T) {
	ref, _ := FromSlice(2, 1, []float64{1, 0})
	warped, _ := FromSlice(2, 1, []float64{1, 1})

	// a flat layer has no range and contributes nothing
	img, err := Overlay(ref, warped)
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{R: 255, G: 0, B: 255, A: 255}, img.RGBAAt(0, 0))
	assert.Equal(t, color.RGBA{A: 255}, img.RGBAAt(1, 0))

	warped, _ = FromSlice(2, 1, []float64{1, 0})
	img, err = Overlay(ref, warped)
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{R: 255, G: 255, B: 255, A: 255}, img.RGBAAt(0, 0))

	small, _ := NewGray(1, 1)
	_, err = Overlay(ref, small)
	assert.Error(t, err)
}

func TestCompositeRange(t *testing.T) {
	signed, _ := FromSlice(3, 1, []float64{-1, 0, 1})

	// the grid's own range, including negative values
	img, err := Composite(TintedLayer{Image: signed, Color: colorutil.White})
	require.NoError(t, err)
	assert.Equal(t, uint8(0), img.RGBAAt(0, 0).R)
	assert.Equal(t, uint8(128), img.RGBAAt(1, 0).R)
	assert.Equal(t, uint8(255), img.RGBAAt(2, 0).R)

	// an explicit range clips values outside it
	img, err = Composite(TintedLayer{Image: signed, Color: colorutil.White, Min: 0, Max: 0.5})
	require.NoError(t, err)
	assert.Equal(t, uint8(0), img.RGBAAt(0, 0).R)
	assert.Equal(t, uint8(0), img.RGBAAt(1, 0).R)
	assert.Equal(t, uint8(255), img.RGBAAt(2, 0).R)

	_, err = Composite()
	assert.Error(t, err)
}

func TestLoadPNG(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 4, 3))
	src.SetGray(1, 2, color.Gray{Y: 255})

	path := filepath.Join(t.TempDir(), "slice.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, src))
	require.NoError(t, f.Close())

	g, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, g.Width)
	assert.Equal(t, 3, g.Height)
	assert.InDelta(t, 1.0, g.At(2, 1), 1e-9)
	assert.Equal(t, 0.0, g.DPI)

	_, err = Load(filepath.Join(t.TempDir(), "missing.png"))
	assert.Error(t, err)
}

func TestTIFFDPI(t *testing.T) {
	var buf bytes.Buffer
	le := binary.LittleEndian
	buf.WriteString("II")
	binary.Write(&buf, le, uint16(42))
	binary.Write(&buf, le, uint32(8))

	// two entries: XResolution (RATIONAL at offset 38) and ResolutionUnit=cm
	binary.Write(&buf, le, uint16(2))
	binary.Write(&buf, le, uint16(282))
	binary.Write(&buf, le, uint16(5))
	binary.Write(&buf, le, uint32(1))
	binary.Write(&buf, le, uint32(38))
	binary.Write(&buf, le, uint16(296))
	binary.Write(&buf, le, uint16(3))
	binary.Write(&buf, le, uint32(1))
	binary.Write(&buf, le, uint16(3))
	binary.Write(&buf, le, uint16(0))
	binary.Write(&buf, le, uint32(0))
	require.Equal(t, 38, buf.Len())
	binary.Write(&buf, le, uint32(200))
	binary.Write(&buf, le, uint32(2))

	dpi, err := tiffDPI(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.InDelta(t, 254.0, dpi, 1e-9)

	_, err = tiffDPI(bytes.NewReader([]byte("PNG.....")))
	assert.Error(t, err)
}

func TestSupportedFormat(t *testing.T) {
	assert.True(t, IsSupportedFormat("a/b/scan.TIF"))
	assert.False(t, IsSupportedFormat("notes.txt"))
}
