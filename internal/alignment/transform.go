package alignment

import (
	"fmt"
	"math"
	"math/rand"

	"affine-aligner/internal/features"
	"affine-aligner/pkg/geometry"

	"gonum.org/v1/gonum/mat"
)

// RANSACOptions configures robust affine estimation.
type RANSACOptions struct {
	Iterations int     // Minimal-sample trials
	Threshold  float64 // Inlier reprojection distance in pixels
	Seed       int64   // Sampling seed; equal seeds give equal results
}

// DefaultRANSACOptions returns the default estimation options.
func DefaultRANSACOptions() RANSACOptions {
	return RANSACOptions{
		Iterations: 2000,
		Threshold:  3.0,
		Seed:       1,
	}
}

// Validate checks the options.
func (o RANSACOptions) Validate() error {
	if o.Iterations <= 0 {
		return fmt.Errorf("%w: iterations %d", ErrInvalidRANSAC, o.Iterations)
	}
	if !(o.Threshold > 0) {
		return fmt.Errorf("%w: threshold %g", ErrInvalidRANSAC, o.Threshold)
	}
	return nil
}

// Estimate is a fitted transform with its consensus set.
type Estimate struct {
	Transform geometry.AffineTransform
	Inliers   []int   // Indices into the input correspondences
	RMSE      float64 // Inlier reprojection error
	MeanError float64 // Mean inlier reprojection distance
}

// minimal sample triangles with less than this doubled area are skipped
const minSampleArea = 1e-6

// eigenvalue ratio below which a point cloud counts as a line
const collinearRatio = 1e-9

// EstimateAffine fits the transform mapping target points onto reference
// points.
func EstimateAffine(corr []features.Correspondence, opts RANSACOptions) (*Estimate, error) {
	ref, tgt := features.Points(corr)
	return EstimatePoints(tgt, ref, opts)
}

// EstimatePoints fits the affine transform mapping src onto dst with RANSAC:
// minimal 3-point samples are solved exactly, the largest consensus set is
// kept and the transform is refit on it by least squares.
func EstimatePoints(src, dst []geometry.Point2D, opts RANSACOptions) (*Estimate, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if len(src) != len(dst) {
		return nil, fmt.Errorf("point count mismatch: %d vs %d", len(src), len(dst))
	}
	n := len(src)
	if n < 3 {
		return nil, fmt.Errorf("%w: %d correspondences, need 3", ErrUnderdeterminedTransform, n)
	}
	if Collinear(src) || Collinear(dst) {
		return nil, fmt.Errorf("%w: %d correspondences on a line", ErrDegenerateGeometry, n)
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	var bestInliers []int
	var bestTransform geometry.AffineTransform

	sample := make([]geometry.Point2D, 3)
	target := make([]geometry.Point2D, 3)
	for iter := 0; iter < opts.Iterations; iter++ {
		i0, i1, i2 := sampleThree(rng, n)
		if math.Abs(geometry.Cross(src[i0], src[i1], src[i2])) < minSampleArea {
			continue
		}
		sample[0], sample[1], sample[2] = src[i0], src[i1], src[i2]
		target[0], target[1], target[2] = dst[i0], dst[i1], dst[i2]

		transform, err := solveExact(sample, target)
		if err != nil {
			continue
		}

		inliers := countInliers(src, dst, transform, opts.Threshold)
		if len(inliers) > len(bestInliers) {
			bestInliers = inliers
			bestTransform = transform
			if len(inliers) == n {
				break
			}
		}
	}

	if len(bestInliers) < 3 {
		return nil, fmt.Errorf("%w: %d inliers of %d", ErrUnderdeterminedTransform, len(bestInliers), n)
	}

	inlierSrc, inlierDst := subset(src, bestInliers), subset(dst, bestInliers)
	if Collinear(inlierSrc) || Collinear(inlierDst) {
		return nil, fmt.Errorf("%w: %d inliers on a line", ErrDegenerateGeometry, len(bestInliers))
	}

	result := &Estimate{Transform: bestTransform, Inliers: bestInliers}
	if refit, err := fitLeastSquares(inlierSrc, inlierDst); err == nil {
		// keep the refit only if its own consensus still covers the sample
		if refitInliers := countInliers(src, dst, refit, opts.Threshold); len(refitInliers) >= len(bestInliers) {
			result.Transform = refit
			result.Inliers = refitInliers
		}
	}
	result.RMSE = rmse(src, dst, result.Inliers, result.Transform)
	result.MeanError = AlignmentError(subset(src, result.Inliers), subset(dst, result.Inliers), result.Transform)
	return result, nil
}

func subset(points []geometry.Point2D, idx []int) []geometry.Point2D {
	out := make([]geometry.Point2D, len(idx))
	for i, j := range idx {
		out[i] = points[j]
	}
	return out
}

// sampleThree draws three distinct indices in [0, n).
func sampleThree(rng *rand.Rand, n int) (int, int, int) {
	i0 := rng.Intn(n)
	i1 := rng.Intn(n - 1)
	if i1 >= i0 {
		i1++
	}
	i2 := rng.Intn(n - 2)
	lo, hi := i0, i1
	if lo > hi {
		lo, hi = hi, lo
	}
	if i2 >= lo {
		i2++
	}
	if i2 >= hi {
		i2++
	}
	return i0, i1, i2
}

func countInliers(src, dst []geometry.Point2D, t geometry.AffineTransform, threshold float64) []int {
	var inliers []int
	for i := range src {
		if t.Apply(src[i]).Distance(dst[i]) < threshold {
			inliers = append(inliers, i)
		}
	}
	return inliers
}

func rmse(src, dst []geometry.Point2D, idx []int, t geometry.AffineTransform) float64 {
	if len(idx) == 0 {
		return 0
	}
	var sum float64
	for _, i := range idx {
		d := t.Apply(src[i]).Distance(dst[i])
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(idx)))
}

// Collinear reports whether the points lie on a single line (or a single
// point), judged by the eigenvalues of their covariance.
func Collinear(points []geometry.Point2D) bool {
	if len(points) < 3 {
		return true
	}
	c := geometry.Centroid(points)
	var sxx, sxy, syy float64
	for _, p := range points {
		dx, dy := p.X-c.X, p.Y-c.Y
		sxx += dx * dx
		sxy += dx * dy
		syy += dy * dy
	}
	n := float64(len(points))
	cov := mat.NewSymDense(2, []float64{sxx / n, sxy / n, sxy / n, syy / n})

	var eig mat.EigenSym
	if !eig.Factorize(cov, false) {
		return true
	}
	vals := eig.Values(nil) // ascending
	if vals[1] <= 1e-12 {
		return true
	}
	return vals[0]/vals[1] < collinearRatio
}

// designSystem stacks two rows per point pair so that A*p = b holds for the
// parameters p = (a, b, tx, c, d, ty) of the transform mapping src onto dst.
func designSystem(src, dst []geometry.Point2D) (*mat.Dense, *mat.VecDense) {
	n := len(src)
	a := mat.NewDense(2*n, 6, nil)
	b := mat.NewVecDense(2*n, nil)
	for i, p := range src {
		a.SetRow(2*i, []float64{p.X, p.Y, 1, 0, 0, 0})
		a.SetRow(2*i+1, []float64{0, 0, 0, p.X, p.Y, 1})
		b.SetVec(2*i, dst[i].X)
		b.SetVec(2*i+1, dst[i].Y)
	}
	return a, b
}

// solveExact computes the transform through exactly three point pairs.
func solveExact(src, dst []geometry.Point2D) (geometry.AffineTransform, error) {
	if len(src) != 3 || len(dst) != 3 {
		return geometry.AffineTransform{}, fmt.Errorf("need exactly 3 points")
	}
	a, b := designSystem(src, dst)
	var params mat.VecDense
	if err := params.SolveVec(a, b); err != nil {
		return geometry.AffineTransform{}, err
	}
	return transformFromParams(&params), nil
}

// fitLeastSquares fits n >= 3 point pairs with a QR decomposition.
func fitLeastSquares(src, dst []geometry.Point2D) (geometry.AffineTransform, error) {
	if len(src) < 3 || len(src) != len(dst) {
		return geometry.AffineTransform{}, fmt.Errorf("need at least 3 points")
	}
	a, b := designSystem(src, dst)

	var qr mat.QR
	qr.Factorize(a)

	var params mat.VecDense
	if err := qr.SolveVecTo(&params, false, b); err != nil {
		return geometry.AffineTransform{}, err
	}
	return transformFromParams(&params), nil
}

func transformFromParams(p *mat.VecDense) geometry.AffineTransform {
	return geometry.AffineTransform{
		A:  p.AtVec(0),
		B:  p.AtVec(1),
		TX: p.AtVec(2),
		C:  p.AtVec(3),
		D:  p.AtVec(4),
		TY: p.AtVec(5),
	}
}

// AlignmentError returns the mean distance between t(src) and dst.
func AlignmentError(src, dst []geometry.Point2D, t geometry.AffineTransform) float64 {
	if len(src) != len(dst) || len(src) == 0 {
		return math.Inf(1)
	}
	var total float64
	for i := range src {
		total += t.Apply(src[i]).Distance(dst[i])
	}
	return total / float64(len(src))
}
