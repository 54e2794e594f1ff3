// Package coords provides precomputed pixel coordinate grids.
//
// A Grid maps a row-major linear pixel index to its (row, column) position and
// back. Grids for a given shape are built once and shared through a Cache.
package coords

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidDimension is returned for non-positive grid dimensions.
	ErrInvalidDimension = errors.New("invalid dimension")

	// ErrShapeMismatch is returned when a grid is used with an image of a
	// different shape.
	ErrShapeMismatch = errors.New("grid shape does not match image")
)

// Grid is an immutable index/position lookup for a width x height pixel grid.
type Grid struct {
	Width  int
	Height int

	// Physical size of one pixel along rows (y) and columns (x).
	RowSpacing float64
	ColSpacing float64

	rows []int
	cols []int

	// float copies for weighted sums
	rowValues []float64
	colValues []float64
}

// New builds the grid for an image of the given size.
func New(width, height int) (*Grid, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidDimension, width, height)
	}

	n := width * height
	rows := make([]int, n)
	cols := make([]int, n)
	rowValues := make([]float64, n)
	colValues := make([]float64, n)
	for r := 0; r < height; r++ {
		base := r * width
		for c := 0; c < width; c++ {
			rows[base+c] = r
			cols[base+c] = c
			rowValues[base+c] = float64(r)
			colValues[base+c] = float64(c)
		}
	}

	return &Grid{
		Width:      width,
		Height:     height,
		RowSpacing: 1,
		ColSpacing: 1,
		rows:       rows,
		cols:       cols,
		rowValues:  rowValues,
		colValues:  colValues,
	}, nil
}

// WithSpacing returns a grid sharing g's index tables that reports physical
// positions scaled by the given pixel spacing.
func (g *Grid) WithSpacing(rowSpacing, colSpacing float64) (*Grid, error) {
	if rowSpacing <= 0 || colSpacing <= 0 {
		return nil, fmt.Errorf("%w: spacing %gx%g", ErrInvalidDimension, rowSpacing, colSpacing)
	}
	cp := *g
	cp.RowSpacing = rowSpacing
	cp.ColSpacing = colSpacing
	return &cp, nil
}

// Len returns the number of pixels.
func (g *Grid) Len() int {
	return len(g.rows)
}

// Matches reports whether the grid has the given shape.
func (g *Grid) Matches(width, height int) bool {
	return g.Width == width && g.Height == height
}

// Index returns the linear index of (row, col).
func (g *Grid) Index(row, col int) int {
	return row*g.Width + col
}

// Position returns the (row, col) of a linear index.
func (g *Grid) Position(index int) (row, col int) {
	return g.rows[index], g.cols[index]
}

// Row returns the row of a linear index.
func (g *Grid) Row(index int) int { return g.rows[index] }

// Col returns the column of a linear index.
func (g *Grid) Col(index int) int { return g.cols[index] }

// Physical returns the physical (y, x) position of a linear index.
func (g *Grid) Physical(index int) (y, x float64) {
	return float64(g.rows[index]) * g.RowSpacing, float64(g.cols[index]) * g.ColSpacing
}

// Rows returns the row of every pixel in index order. Callers must not modify
// the returned slice.
func (g *Grid) Rows() []int { return g.rows }

// Cols returns the column of every pixel in index order. Callers must not
// modify the returned slice.
func (g *Grid) Cols() []int { return g.cols }

// RowValues returns the row of every pixel as float64, in index order.
// Callers must not modify the returned slice.
func (g *Grid) RowValues() []float64 { return g.rowValues }

// ColValues returns the column of every pixel as float64, in index order.
// Callers must not modify the returned slice.
func (g *Grid) ColValues() []float64 { return g.colValues }
