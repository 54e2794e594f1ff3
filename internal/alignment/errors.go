package alignment

import (
	"errors"

	"affine-aligner/internal/background"
	"affine-aligner/internal/centroid"
	"affine-aligner/internal/coords"
	"affine-aligner/internal/features"
)

// Per-image alignment failures. These are recorded on the image's Result and
// never abort a batch.
var (
	// ErrInsufficientMatches means feature matching produced no accepted
	// correspondences.
	ErrInsufficientMatches = errors.New("insufficient matches")

	// ErrUnderdeterminedTransform means fewer than 3 usable correspondences
	// remained.
	ErrUnderdeterminedTransform = errors.New("underdetermined transform")

	// ErrDegenerateGeometry means the correspondences are collinear or
	// coincident, so no unique affine transform exists.
	ErrDegenerateGeometry = errors.New("degenerate geometry")

	// ErrInvalidRANSAC is returned for non-positive iteration counts or
	// thresholds.
	ErrInvalidRANSAC = errors.New("invalid RANSAC options")
)

var configErrors = []error{
	background.ErrInvalidKernelSize,
	coords.ErrInvalidDimension,
	features.ErrInvalidFeatureSize,
	features.ErrInvalidThresholdFactor,
	features.ErrInvalidScaleFactor,
	centroid.ErrInvalidPercentile,
	centroid.ErrNoImages,
	ErrInvalidRANSAC,
}

// IsConfigError reports whether err stems from invalid options or input
// shapes rather than from the image content.
func IsConfigError(err error) bool {
	for _, target := range configErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsAlignmentFailure reports whether err is a per-image alignment failure.
func IsAlignmentFailure(err error) bool {
	return errors.Is(err, ErrInsufficientMatches) ||
		errors.Is(err, ErrUnderdeterminedTransform) ||
		errors.Is(err, ErrDegenerateGeometry)
}
