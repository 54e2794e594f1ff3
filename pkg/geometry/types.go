// Package geometry provides the point and affine transform types shared by the
// alignment packages.
package geometry

import (
	"fmt"
	"math"
)

// Point2D is a point in pixel coordinates. X is the column, Y the row.
type Point2D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// NewPoint2D creates a new Point2D.
func NewPoint2D(x, y float64) Point2D {
	return Point2D{X: x, Y: y}
}

// Distance returns the Euclidean distance to another point.
func (p Point2D) Distance(other Point2D) float64 {
	return math.Hypot(p.X-other.X, p.Y-other.Y)
}

// Sub returns the difference of two points.
func (p Point2D) Sub(other Point2D) Point2D {
	return Point2D{X: p.X - other.X, Y: p.Y - other.Y}
}

// Cross returns the z component of the cross product of (b-a) and (c-a),
// i.e. twice the signed area of the triangle abc.
func Cross(a, b, c Point2D) float64 {
	ab := b.Sub(a)
	ac := c.Sub(a)
	return ab.X*ac.Y - ab.Y*ac.X
}

// AffineTransform is a 2x3 affine matrix
//
//	[a b tx]
//	[c d ty]
//
// mapping (x, y) to (a*x + b*y + tx, c*x + d*y + ty).
type AffineTransform struct {
	A, B, TX float64
	C, D, TY float64
}

// Identity returns the identity transform.
func Identity() AffineTransform {
	return AffineTransform{A: 1, D: 1}
}

// Translation returns a translation transform.
func Translation(tx, ty float64) AffineTransform {
	return AffineTransform{A: 1, D: 1, TX: tx, TY: ty}
}

// Apply applies the transform to a point.
func (t AffineTransform) Apply(p Point2D) Point2D {
	return Point2D{
		X: t.A*p.X + t.B*p.Y + t.TX,
		Y: t.C*p.X + t.D*p.Y + t.TY,
	}
}

// Det returns the determinant of the linear part.
func (t AffineTransform) Det() float64 {
	return t.A*t.D - t.B*t.C
}

// Inverse returns the inverse transform, if it exists.
func (t AffineTransform) Inverse() (AffineTransform, bool) {
	det := t.Det()
	if math.Abs(det) < 1e-10 {
		return AffineTransform{}, false
	}

	invDet := 1.0 / det
	return AffineTransform{
		A:  t.D * invDet,
		B:  -t.B * invDet,
		TX: (t.B*t.TY - t.D*t.TX) * invDet,
		C:  -t.C * invDet,
		D:  t.A * invDet,
		TY: (t.C*t.TX - t.A*t.TY) * invDet,
	}, true
}

// ApproxEqual reports whether every coefficient of t and other differs by at
// most tol.
func (t AffineTransform) ApproxEqual(other AffineTransform, tol float64) bool {
	a := t.ToMatrix()
	b := other.ToMatrix()
	for r := 0; r < 2; r++ {
		for c := 0; c < 3; c++ {
			if math.Abs(a[r][c]-b[r][c]) > tol {
				return false
			}
		}
	}
	return true
}

// ToMatrix returns the transform as a [2][3]float64 array.
func (t AffineTransform) ToMatrix() [2][3]float64 {
	return [2][3]float64{
		{t.A, t.B, t.TX},
		{t.C, t.D, t.TY},
	}
}

func (t AffineTransform) String() string {
	return fmt.Sprintf("[[%.6f %.6f %.3f] [%.6f %.6f %.3f]]", t.A, t.B, t.TX, t.C, t.D, t.TY)
}

// Centroid computes the unweighted mean of a set of points.
func Centroid(points []Point2D) Point2D {
	if len(points) == 0 {
		return Point2D{}
	}
	var sumX, sumY float64
	for _, p := range points {
		sumX += p.X
		sumY += p.Y
	}
	n := float64(len(points))
	return Point2D{X: sumX / n, Y: sumY / n}
}
