package image

import (
	"image"
	"image/color"

	"affine-aligner/pkg/geometry"

	"gocv.io/x/gocv"
)

// TransformMat builds the 2x3 CV64F Mat for a transform. The caller must
// Close it.
func TransformMat(t geometry.AffineTransform) gocv.Mat {
	m := gocv.NewMatWithSize(2, 3, gocv.MatTypeCV64F)
	m.SetDoubleAt(0, 0, t.A)
	m.SetDoubleAt(0, 1, t.B)
	m.SetDoubleAt(0, 2, t.TX)
	m.SetDoubleAt(1, 0, t.C)
	m.SetDoubleAt(1, 1, t.D)
	m.SetDoubleAt(1, 2, t.TY)
	return m
}

// Warp resamples img into a width x height grid so that the pixel at p in img
// lands at t.Apply(p). Uncovered pixels are zero.
func Warp(img *Gray, t geometry.AffineTransform, width, height int) (*Gray, error) {
	src, err := img.ToMat()
	if err != nil {
		return nil, err
	}
	defer src.Close()

	tm := TransformMat(t)
	defer tm.Close()

	dst := gocv.NewMat()
	defer dst.Close()
	gocv.WarpAffineWithParams(src, &dst, tm, image.Point{X: width, Y: height},
		gocv.InterpolationLinear, gocv.BorderConstant, color.RGBA{})

	out, err := FromMat(dst)
	if err != nil {
		return nil, err
	}
	out.DPI = img.DPI
	return out, nil
}
