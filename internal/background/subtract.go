// Package background removes slowly varying illumination from intensity
// images by subtracting a Gaussian low-pass estimate.
package background

import (
	"errors"
	"fmt"
	"image"

	pcimage "affine-aligner/internal/image"

	"gocv.io/x/gocv"
)

// ErrInvalidKernelSize is returned for smoothing diameters below 1.
var ErrInvalidKernelSize = errors.New("invalid kernel size")

// KernelSize returns the Gaussian kernel width used for a diameter. Even
// diameters are rounded up to the next odd value.
func KernelSize(diameter int) (int, error) {
	if diameter < 1 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidKernelSize, diameter)
	}
	if diameter%2 == 0 {
		diameter++
	}
	return diameter, nil
}

// Subtract estimates the background of img with a diameter x diameter
// Gaussian blur and removes it. The difference is clipped to [0, max(img)].
// img is not modified.
func Subtract(img *pcimage.Gray, diameter int) (*pcimage.Gray, error) {
	k, err := KernelSize(diameter)
	if err != nil {
		return nil, err
	}

	src, err := img.ToMat()
	if err != nil {
		return nil, err
	}
	defer src.Close()

	blurred := gocv.NewMat()
	defer blurred.Close()
	// sigma 0 lets OpenCV derive it from the kernel size
	gocv.GaussianBlur(src, &blurred, image.Point{X: k, Y: k}, 0, 0, gocv.BorderReplicate)

	back, err := pcimage.FromMat(blurred)
	if err != nil {
		return nil, fmt.Errorf("background estimate: %w", err)
	}

	upper := img.Max()
	if upper < 0 {
		upper = 0
	}
	out := img.Clone()
	for i, v := range img.Pix {
		d := v - back.Pix[i]
		if d < 0 {
			d = 0
		} else if d > upper {
			d = upper
		}
		out.Pix[i] = d
	}
	return out, nil
}
