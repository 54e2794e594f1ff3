package alignment

import (
	"math"
	"math/rand"
	"testing"

	"affine-aligner/internal/features"
	"affine-aligner/pkg/geometry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scatter(n int, seed int64) []geometry.Point2D {
	rng := rand.New(rand.NewSource(seed))
	pts := make([]geometry.Point2D, n)
	for i := range pts {
		pts[i] = geometry.Point2D{X: rng.Float64() * 500, Y: rng.Float64() * 400}
	}
	return pts
}

func TestSolveExact(t *testing.T) {
	want := geometry.AffineTransform{A: 1.1, B: -0.2, TX: 15, C: 0.3, D: 0.9, TY: -7}
	src := []geometry.Point2D{{X: 0, Y: 0}, {X: 100, Y: 0}, {X: 0, Y: 100}}
	dst := make([]geometry.Point2D, 3)
	for i, p := range src {
		dst[i] = want.Apply(p)
	}

	got, err := solveExact(src, dst)
	require.NoError(t, err)
	assert.True(t, got.ApproxEqual(want, 1e-9), "got %v", got)

	_, err = solveExact(src[:2], dst[:2])
	assert.Error(t, err)
}

func TestFitLeastSquaresAgreesWithExact(t *testing.T) {
	want := geometry.AffineTransform{A: 0.95, B: 0.1, TX: -3, C: -0.1, D: 1.05, TY: 8}
	src := scatter(12, 4)
	dst := make([]geometry.Point2D, len(src))
	for i, p := range src {
		dst[i] = want.Apply(p)
	}

	fit, err := fitLeastSquares(src, dst)
	require.NoError(t, err)
	assert.True(t, fit.ApproxEqual(want, 1e-9), "got %v", fit)

	exact, err := solveExact(src[:3], dst[:3])
	require.NoError(t, err)
	assert.True(t, exact.ApproxEqual(fit, 1e-6), "exact %v fit %v", exact, fit)

	_, err = fitLeastSquares(src[:2], dst[:2])
	assert.Error(t, err)
}

func TestDesignSystem(t *testing.T) {
	a, b := designSystem(
		[]geometry.Point2D{{X: 2, Y: 3}},
		[]geometry.Point2D{{X: 5, Y: 7}},
	)
	r, c := a.Dims()
	assert.Equal(t, 2, r)
	assert.Equal(t, 6, c)
	assert.Equal(t, []float64{2, 3, 1, 0, 0, 0}, a.RawRowView(0))
	assert.Equal(t, []float64{0, 0, 0, 2, 3, 1}, a.RawRowView(1))
	assert.Equal(t, 5.0, b.AtVec(0))
	assert.Equal(t, 7.0, b.AtVec(1))
}

func TestEstimatePointsExact(t *testing.T) {
	cos, sin := math.Cos(0.1), math.Sin(0.1)
	want := geometry.AffineTransform{A: cos, B: -sin, TX: 12, C: sin, D: cos, TY: -4}
	src := scatter(40, 1)
	dst := make([]geometry.Point2D, len(src))
	for i, p := range src {
		dst[i] = want.Apply(p)
	}

	est, err := EstimatePoints(src, dst, DefaultRANSACOptions())
	require.NoError(t, err)
	assert.True(t, est.Transform.ApproxEqual(want, 1e-6), "got %v", est.Transform)
	assert.Len(t, est.Inliers, len(src))
	assert.InDelta(t, 0, est.RMSE, 1e-6)
	assert.InDelta(t, 0, est.MeanError, 1e-6)
}

func TestEstimatePointsWithOutliers(t *testing.T) {
	want := geometry.AffineTransform{A: 0.98, B: 0.05, TX: -20, C: -0.04, D: 1.02, TY: 31}
	src := scatter(100, 2)
	dst := make([]geometry.Point2D, len(src))
	rng := rand.New(rand.NewSource(3))
	for i, p := range src {
		q := want.Apply(p)
		if i%10 < 3 {
			// 30% gross outliers
			q = geometry.Point2D{X: rng.Float64() * 500, Y: rng.Float64() * 400}
		} else {
			q.X += (rng.Float64() - 0.5) * 0.5
			q.Y += (rng.Float64() - 0.5) * 0.5
		}
		dst[i] = q
	}

	est, err := EstimatePoints(src, dst, DefaultRANSACOptions())
	require.NoError(t, err)
	assert.InDelta(t, want.A, est.Transform.A, 0.01)
	assert.InDelta(t, want.B, est.Transform.B, 0.01)
	assert.InDelta(t, want.C, est.Transform.C, 0.01)
	assert.InDelta(t, want.D, est.Transform.D, 0.01)
	assert.InDelta(t, want.TX, est.Transform.TX, 1)
	assert.InDelta(t, want.TY, est.Transform.TY, 1)
	assert.GreaterOrEqual(t, len(est.Inliers), 65)
	assert.Less(t, est.RMSE, 1.0)
	// the mean distance never exceeds the root mean square
	assert.Greater(t, est.MeanError, 0.0)
	assert.LessOrEqual(t, est.MeanError, est.RMSE+1e-12)
}

func TestEstimatePointsDeterministic(t *testing.T) {
	src := scatter(60, 4)
	dst := make([]geometry.Point2D, len(src))
	rng := rand.New(rand.NewSource(5))
	shift := geometry.Translation(3, 4)
	for i, p := range src {
		if i%3 == 0 {
			dst[i] = geometry.Point2D{X: rng.Float64() * 500, Y: rng.Float64() * 400}
			continue
		}
		dst[i] = shift.Apply(p)
	}

	opts := DefaultRANSACOptions()
	opts.Seed = 42
	a, err := EstimatePoints(src, dst, opts)
	require.NoError(t, err)
	b, err := EstimatePoints(src, dst, opts)
	require.NoError(t, err)
	assert.Equal(t, a.Transform, b.Transform)
	assert.Equal(t, a.Inliers, b.Inliers)
}

func TestEstimatePointsUnderdetermined(t *testing.T) {
	src := []geometry.Point2D{{X: 0, Y: 0}, {X: 1, Y: 1}}
	_, err := EstimatePoints(src, src, DefaultRANSACOptions())
	assert.ErrorIs(t, err, ErrUnderdeterminedTransform)
	assert.True(t, IsAlignmentFailure(err))

	_, err = EstimatePoints(nil, nil, DefaultRANSACOptions())
	assert.ErrorIs(t, err, ErrUnderdeterminedTransform)
}

func TestEstimatePointsCollinear(t *testing.T) {
	var src []geometry.Point2D
	for i := 0; i < 10; i++ {
		src = append(src, geometry.Point2D{X: float64(i), Y: 2*float64(i) + 1})
	}
	_, err := EstimatePoints(src, src, DefaultRANSACOptions())
	assert.ErrorIs(t, err, ErrDegenerateGeometry)

	same := []geometry.Point2D{{X: 5, Y: 5}, {X: 5, Y: 5}, {X: 5, Y: 5}, {X: 5, Y: 5}}
	_, err = EstimatePoints(same, same, DefaultRANSACOptions())
	assert.ErrorIs(t, err, ErrDegenerateGeometry)
}

func TestEstimatePointsInvalidOptions(t *testing.T) {
	src := scatter(10, 6)
	_, err := EstimatePoints(src, src, RANSACOptions{Iterations: 0, Threshold: 1})
	assert.ErrorIs(t, err, ErrInvalidRANSAC)
	assert.True(t, IsConfigError(err))

	_, err = EstimatePoints(src, src, RANSACOptions{Iterations: 10, Threshold: math.NaN()})
	assert.ErrorIs(t, err, ErrInvalidRANSAC)

	_, err = EstimatePoints(src, src[:5], DefaultRANSACOptions())
	assert.Error(t, err)
}

func TestEstimateAffineDirection(t *testing.T) {
	// target content sits 10px right of the reference content
	var corr []features.Correspondence
	for _, p := range scatter(20, 7) {
		corr = append(corr, features.Correspondence{
			Reference: p,
			Target:    geometry.Point2D{X: p.X + 10, Y: p.Y},
		})
	}

	est, err := EstimateAffine(corr, DefaultRANSACOptions())
	require.NoError(t, err)
	assert.InDelta(t, -10, est.Transform.TX, 1e-6)
	assert.InDelta(t, 0, est.Transform.TY, 1e-6)
}

func TestCollinear(t *testing.T) {
	assert.True(t, Collinear(nil))
	assert.True(t, Collinear([]geometry.Point2D{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 2, Y: 0}}))
	assert.True(t, Collinear([]geometry.Point2D{{X: 0, Y: 0}, {X: 1, Y: 1}, {X: 3, Y: 3}, {X: -2, Y: -2}}))
	assert.False(t, Collinear([]geometry.Point2D{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 0, Y: 1}}))
	assert.False(t, Collinear(scatter(10, 8)))
}

func TestSampleThreeDistinct(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	for _, n := range []int{3, 4, 10} {
		for k := 0; k < 200; k++ {
			a, b, c := sampleThree(rng, n)
			assert.NotEqual(t, a, b)
			assert.NotEqual(t, a, c)
			assert.NotEqual(t, b, c)
			for _, v := range []int{a, b, c} {
				assert.GreaterOrEqual(t, v, 0)
				assert.Less(t, v, n)
			}
		}
	}
}

func TestAlignmentError(t *testing.T) {
	src := []geometry.Point2D{{X: 0, Y: 0}, {X: 10, Y: 0}}
	dst := []geometry.Point2D{{X: 1, Y: 0}, {X: 11, Y: 0}}
	assert.InDelta(t, 1.0, AlignmentError(src, dst, geometry.Identity()), 1e-12)
	assert.InDelta(t, 0.0, AlignmentError(src, dst, geometry.Translation(1, 0)), 1e-12)
	assert.True(t, math.IsInf(AlignmentError(nil, nil, geometry.Identity()), 1))
}
