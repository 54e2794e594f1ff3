package image

import (
	"image/color"
	"testing"

	"affine-aligner/pkg/colorutil"
	"affine-aligner/pkg/geometry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// square returns a 20x20 mask with rows and columns 5..14 set.
func square(t *testing.T) *Gray {
	t.Helper()
	g, err := NewGray(20, 20)
	require.NoError(t, err)
	for r := 5; r < 15; r++ {
		for c := 5; c < 15; c++ {
			g.Set(r, c, 1)
		}
	}
	return g
}

func TestMaskBorder(t *testing.T) {
	border, err := MaskBorder(square(t), 2)
	require.NoError(t, err)
	assert.Equal(t, 1.0, border.At(10, 4), "grown edge")
	assert.Equal(t, 1.0, border.At(10, 5), "original edge")
	assert.Equal(t, 0.0, border.At(10, 6), "interior")
	assert.Equal(t, 0.0, border.At(10, 10))
	assert.Equal(t, 0.0, border.At(10, 2))
	assert.Equal(t, 1.0, border.Max())

	thin, err := MaskBorder(square(t), 1)
	require.NoError(t, err)
	assert.Equal(t, 0.0, thin.At(10, 4))
	assert.Equal(t, 1.0, thin.At(10, 5))
	assert.Equal(t, 0.0, thin.At(10, 6))

	_, err = MaskBorder(square(t), 0)
	assert.ErrorIs(t, err, ErrInvalidBorderWidth)

	empty, _ := NewGray(8, 8)
	none, err := MaskBorder(empty, 2)
	require.NoError(t, err)
	assert.Equal(t, 0.0, none.Sum())
}

func TestBordersWarpsMasks(t *testing.T) {
	moved, err := Borders([]*Gray{square(t)}, geometry.Translation(3, 0), 2)
	require.NoError(t, err)
	assert.Equal(t, 1.0, moved.At(10, 7))
	assert.Equal(t, 1.0, moved.At(10, 8))
	assert.Equal(t, 0.0, moved.At(10, 4))

	// mapping back through the inverse restores the original outline
	inv, ok := geometry.Translation(3, 0).Inverse()
	require.True(t, ok)
	shifted, err := Warp(square(t), geometry.Translation(3, 0), 20, 20)
	require.NoError(t, err)
	back, err := Borders([]*Gray{shifted}, inv, 2)
	require.NoError(t, err)
	still, err := MaskBorder(square(t), 2)
	require.NoError(t, err)
	assert.Equal(t, still.Pix, back.Pix)
}

func TestBordersMergesMasks(t *testing.T) {
	small, _ := NewGray(20, 20)
	small.Set(1, 1, 1)

	merged, err := Borders([]*Gray{square(t), small}, geometry.Identity(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1.0, merged.At(1, 1))
	assert.Equal(t, 1.0, merged.At(10, 5))

	_, err = Borders(nil, geometry.Identity(), 2)
	assert.ErrorIs(t, err, ErrNoMasks)

	other, _ := NewGray(10, 10)
	_, err = Borders([]*Gray{square(t), other}, geometry.Identity(), 2)
	assert.Error(t, err)
}

func TestOverlayBorders(t *testing.T) {
	base, _ := NewGray(20, 20)
	base.Set(10, 10, 1)
	borders, err := Borders([]*Gray{square(t)}, geometry.Identity(), 2)
	require.NoError(t, err)

	img, err := OverlayBorders(base, borders, colorutil.White, colorutil.Green)
	require.NoError(t, err)
	assert.Equal(t, colorutil.Green, img.RGBAAt(4, 10))
	assert.Equal(t, colorutil.White, img.RGBAAt(10, 10))
	assert.Equal(t, color.RGBA{A: 255}, img.RGBAAt(1, 1))

	// base and masks warped together stay registered
	move := geometry.Translation(0, 2)
	movedBase, err := Warp(base, move, 20, 20)
	require.NoError(t, err)
	movedBorders, err := Borders([]*Gray{square(t)}, move, 2)
	require.NoError(t, err)
	img, err = OverlayBorders(movedBase, movedBorders, colorutil.White, colorutil.Green)
	require.NoError(t, err)
	assert.Equal(t, colorutil.White, img.RGBAAt(10, 12))
	assert.Equal(t, colorutil.Green, img.RGBAAt(10, 6))

	small, _ := NewGray(5, 5)
	_, err = OverlayBorders(small, borders, colorutil.White, colorutil.Green)
	assert.Error(t, err)
}
