// Package centroid computes intensity-weighted centres of mass and selects a
// reference image by ranking the centres along an anatomical axis.
package centroid

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"affine-aligner/internal/coords"
	pcimage "affine-aligner/internal/image"
	"affine-aligner/pkg/geometry"

	"gonum.org/v1/gonum/floats"
)

var (
	// ErrDegenerateImage is returned when an image has no positive total
	// intensity, so it has no centre of mass.
	ErrDegenerateImage = errors.New("degenerate image")

	// ErrInvalidPercentile is returned for percentiles outside [0, 100].
	ErrInvalidPercentile = errors.New("percentile out of range")

	// ErrNoImages is returned when ranking an empty set.
	ErrNoImages = errors.New("no images")
)

// Axis selects which centroid coordinate images are ranked by.
type Axis int

const (
	// AxisRow ranks by row, top to bottom. Images are assumed to have the
	// anterior-posterior axis running along the rows.
	AxisRow Axis = iota
	// AxisColumn ranks by column, left to right.
	AxisColumn
)

func (a Axis) String() string {
	switch a {
	case AxisRow:
		return "row"
	case AxisColumn:
		return "column"
	default:
		return "unknown"
	}
}

// ParseAxis parses "row" (alias "ap") or "column" (alias "col").
func ParseAxis(s string) (Axis, error) {
	switch s {
	case "row", "ap", "a-p":
		return AxisRow, nil
	case "column", "col":
		return AxisColumn, nil
	}
	return 0, fmt.Errorf("unknown axis %q", s)
}

// Project returns the coordinate of p along the axis.
func (a Axis) Project(p geometry.Point2D) float64 {
	if a == AxisColumn {
		return p.X
	}
	return p.Y
}

// CenterOfMass returns the intensity-weighted centre of img. The grid must
// have the image's shape.
func CenterOfMass(img *pcimage.Gray, grid *coords.Grid) (geometry.Point2D, error) {
	if !grid.Matches(img.Width, img.Height) {
		return geometry.Point2D{}, fmt.Errorf("%w: grid %dx%d, image %dx%d",
			coords.ErrShapeMismatch, grid.Width, grid.Height, img.Width, img.Height)
	}

	total := floats.Sum(img.Pix)
	if !(total > 0) {
		return geometry.Point2D{}, ErrDegenerateImage
	}

	return geometry.NewPoint2D(
		floats.Dot(grid.ColValues(), img.Pix)/total,
		floats.Dot(grid.RowValues(), img.Pix)/total,
	), nil
}

// PercentileIndex maps a percentile to a position in a sorted sequence of n
// elements: round(p/100 * (n-1)), clipped to [0, n-1]. A pair always maps to
// its first element, whatever the percentile.
func PercentileIndex(percentile float64, n int) (int, error) {
	if n <= 0 {
		return 0, ErrNoImages
	}
	if math.IsNaN(percentile) || percentile < 0 || percentile > 100 {
		return 0, fmt.Errorf("%w: %g", ErrInvalidPercentile, percentile)
	}
	if n == 2 {
		return 0, nil
	}
	idx := int(math.Round(percentile / 100 * float64(n-1)))
	if idx < 0 {
		idx = 0
	}
	if idx > n-1 {
		idx = n - 1
	}
	return idx, nil
}

// Ranking is the outcome of reference selection.
type Ranking struct {
	// Reference is the input index of the selected image.
	Reference int
	// Centroids holds each image's centre of mass, by input index.
	Centroids []geometry.Point2D
	// Positions holds each centroid projected on the ranking axis.
	Positions []float64
	// Order lists input indices sorted by ascending position; ties keep
	// input order.
	Order []int
}

// Rank computes every image's centroid, sorts the images along axis and picks
// the one at the given percentile. Grids come from cache.
func Rank(images []*pcimage.Gray, cache *coords.Cache, axis Axis, percentile float64) (*Ranking, error) {
	if len(images) == 0 {
		return nil, ErrNoImages
	}
	// validate before doing any work
	if _, err := PercentileIndex(percentile, len(images)); err != nil {
		return nil, err
	}

	r := &Ranking{
		Centroids: make([]geometry.Point2D, len(images)),
		Positions: make([]float64, len(images)),
		Order:     make([]int, len(images)),
	}
	for i, img := range images {
		grid, err := cache.Get(img.Width, img.Height)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		c, err := CenterOfMass(img, grid)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		r.Centroids[i] = c
		r.Positions[i] = axis.Project(c)
		r.Order[i] = i
	}

	sort.SliceStable(r.Order, func(a, b int) bool {
		return r.Positions[r.Order[a]] < r.Positions[r.Order[b]]
	})

	idx, _ := PercentileIndex(percentile, len(images))
	r.Reference = r.Order[idx]
	return r, nil
}
