// Package alignment estimates per-image affine transforms that register a
// batch of images onto an automatically chosen reference image.
package alignment

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"sync"

	"affine-aligner/internal/background"
	"affine-aligner/internal/centroid"
	"affine-aligner/internal/coords"
	"affine-aligner/internal/features"
	pcimage "affine-aligner/internal/image"
	"affine-aligner/pkg/geometry"

	"github.com/sirupsen/logrus"
)

// Options configures the alignment pipeline.
type Options struct {
	BackgroundDia   int           // Gaussian background kernel width, pixels
	FeatureSize     int           // Maximum ORB keypoints per image
	ThresholdFactor float64       // Detector strictness and match cutoff (see features)
	ScaleFactor     float64       // Brightness gain before keypoint detection
	Percentile      float64       // Reference rank percentile along Axis, [0, 100]
	Axis            centroid.Axis // Axis images are ranked along
	RANSAC          RANSACOptions

	Workers int           // Parallel target images; <= 0 means runtime.NumCPU()
	Grids   *coords.Cache // Coordinate grid cache; nil allocates one per call

	Logger logrus.FieldLogger // nil discards log output
}

// DefaultOptions returns default alignment options.
func DefaultOptions() Options {
	fp := features.DefaultParams()
	return Options{
		BackgroundDia:   7,
		FeatureSize:     fp.FeatureSize,
		ThresholdFactor: fp.ThresholdFactor,
		ScaleFactor:     fp.ScaleFactor,
		Percentile:      50,
		Axis:            centroid.AxisRow,
		RANSAC:          DefaultRANSACOptions(),
	}
}

// FeatureParams returns the detector parameters carried by the options.
func (o Options) FeatureParams() features.Params {
	return features.Params{
		FeatureSize:     o.FeatureSize,
		ThresholdFactor: o.ThresholdFactor,
		ScaleFactor:     o.ScaleFactor,
	}
}

// Validate checks the options without touching any image.
func (o Options) Validate() error {
	if _, err := background.KernelSize(o.BackgroundDia); err != nil {
		return err
	}
	if err := o.FeatureParams().Validate(); err != nil {
		return err
	}
	if _, err := centroid.PercentileIndex(o.Percentile, 1); err != nil {
		return err
	}
	return o.RANSAC.Validate()
}

func (o Options) logger() logrus.FieldLogger {
	if o.Logger != nil {
		return o.Logger
	}
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func (o Options) workers() int {
	if o.Workers > 0 {
		return o.Workers
	}
	return runtime.NumCPU()
}

// Stage is the last pipeline step an image completed.
type Stage int

const (
	StageIdle Stage = iota
	StageReferenceSelected
	StageNormalized
	StageMatched
	StageEstimated
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageReferenceSelected:
		return "reference-selected"
	case StageNormalized:
		return "normalized"
	case StageMatched:
		return "matched"
	case StageEstimated:
		return "estimated"
	case StageDone:
		return "done"
	default:
		return "unknown"
	}
}

// Result is the outcome for one input image. Transform is meaningful only
// when Err is nil.
type Result struct {
	Index     int
	Transform geometry.AffineTransform
	Stage     Stage
	Err       error

	Matches   int     // Accepted correspondences
	Inliers   int     // RANSAC consensus size
	RMSE      float64 // Inlier reprojection error, pixels
	MeanError float64 // Mean inlier reprojection distance, pixels
	Coverage  float64 // Inlier hull area over reference image area

	// Pairs holds the inlier correspondences.
	Pairs []features.Correspondence
}

// OK reports whether the image was aligned.
func (r Result) OK() bool {
	return r.Err == nil && r.Stage == StageDone
}

// BatchResult holds the results of one AlignImages call, one per input image
// in input order.
type BatchResult struct {
	Reference int
	Ranking   *centroid.Ranking
	Results   []Result
}

// Transforms returns the transforms of all successfully aligned images.
func (b *BatchResult) Transforms() map[int]geometry.AffineTransform {
	out := make(map[int]geometry.AffineTransform)
	for _, r := range b.Results {
		if r.OK() {
			out[r.Index] = r.Transform
		}
	}
	return out
}

// Failures returns the error of every image that was not aligned.
func (b *BatchResult) Failures() map[int]error {
	out := make(map[int]error)
	for _, r := range b.Results {
		if r.Err != nil {
			out[r.Index] = r.Err
		}
	}
	return out
}

// AlignImages selects a reference image and estimates, for every other image,
// the affine transform mapping its coordinates into the reference's.
//
// Invalid options or image shapes abort the call, as does a degenerate image
// during reference selection. Matching and estimation failures are recorded
// per image and the rest of the batch continues. If ctx is cancelled,
// unfinished images carry ctx.Err() and the partial batch is returned along
// with ctx.Err().
func AlignImages(ctx context.Context, images []*pcimage.Gray, opts Options) (*BatchResult, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, centroid.ErrNoImages
	}
	for i, img := range images {
		if img == nil || img.Width <= 0 || img.Height <= 0 || len(img.Pix) != img.Width*img.Height {
			return nil, fmt.Errorf("image %d: %w", i, coords.ErrInvalidDimension)
		}
	}

	log := opts.logger()
	grids := opts.Grids
	if grids == nil {
		grids = coords.NewCache()
	}

	batch := &BatchResult{Results: make([]Result, len(images))}
	for i := range batch.Results {
		batch.Results[i] = Result{Index: i, Stage: StageIdle}
	}

	if len(images) == 1 {
		batch.Results[0].Transform = geometry.Identity()
		batch.Results[0].Stage = StageDone
		batch.Ranking = &centroid.Ranking{Order: []int{0}}
		return batch, nil
	}

	ranking, err := centroid.Rank(images, grids, opts.Axis, opts.Percentile)
	if err != nil {
		return nil, fmt.Errorf("reference selection: %w", err)
	}
	batch.Ranking = ranking
	batch.Reference = ranking.Reference
	for i := range batch.Results {
		batch.Results[i].Stage = StageReferenceSelected
	}
	log.WithFields(logrus.Fields{
		"reference": ranking.Reference,
		"axis":      opts.Axis.String(),
		"position":  ranking.Positions[ranking.Reference],
	}).Info("Reference image selected")

	if err := ctx.Err(); err != nil {
		markUnfinished(batch, err)
		return batch, err
	}

	normalized, err := normalizeAll(ctx, images, opts.BackgroundDia, opts.workers())
	if err != nil {
		if ctx.Err() != nil {
			markUnfinished(batch, ctx.Err())
			return batch, ctx.Err()
		}
		return nil, err
	}
	for i := range batch.Results {
		batch.Results[i].Stage = StageNormalized
	}
	log.WithField("diameter", opts.BackgroundDia).Debug("Background subtracted")

	refIdx := ranking.Reference
	params := opts.FeatureParams()
	refDet, err := features.NewDetector(params)
	if err != nil {
		return nil, err
	}
	refSet, err := refDet.Detect(normalized[refIdx])
	refDet.Close()
	if err != nil {
		return nil, fmt.Errorf("reference keypoints: %w", err)
	}
	defer refSet.Close()
	log.WithFields(logrus.Fields{
		"keypoints": refSet.Len(),
		"corners":   refSet.Corners(),
	}).Debug("Reference keypoints detected")

	ref := &batch.Results[refIdx]
	ref.Transform = geometry.Identity()
	ref.Stage = StageDone

	refArea := float64(images[refIdx].Width * images[refIdx].Height)

	var wg sync.WaitGroup
	sem := make(chan struct{}, opts.workers())

schedule:
	for i := range images {
		if i == refIdx {
			continue
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			break schedule
		}
		if ctx.Err() != nil {
			<-sem
			break
		}

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			alignTarget(refSet, normalized[i], &batch.Results[i], refArea, params, opts.RANSAC, log)
		}(i)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		markUnfinished(batch, err)
		return batch, err
	}

	failed := len(batch.Failures())
	log.WithFields(logrus.Fields{
		"images":    len(images),
		"reference": refIdx,
		"failed":    failed,
	}).Info("Alignment finished")
	return batch, nil
}

// alignTarget matches one normalized target against the reference keypoints
// and fills in res. Each call owns its detector and matcher.
func alignTarget(refSet *features.KeyPointSet, target *pcimage.Gray, res *Result, refArea float64,
	params features.Params, ransac RANSACOptions, log logrus.FieldLogger) {

	entry := log.WithField("image", res.Index)

	det, err := features.NewDetector(params)
	if err != nil {
		res.Err = err
		return
	}
	defer det.Close()

	tgtSet, err := det.Detect(target)
	if err != nil {
		res.Err = fmt.Errorf("target keypoints: %w", err)
		return
	}
	defer tgtSet.Close()

	matcher := features.NewMatcher()
	defer matcher.Close()

	matches := matcher.MatchSets(refSet, tgtSet, params.ThresholdFactor)
	res.Matches = len(matches)
	res.Stage = StageMatched
	entry.WithFields(logrus.Fields{
		"keypoints": tgtSet.Len(),
		"corners":   tgtSet.Corners(),
		"matches":   len(matches),
	}).Debug("Keypoints matched")

	if len(matches) == 0 {
		res.Err = ErrInsufficientMatches
		entry.WithError(res.Err).Warn("Image not aligned")
		return
	}

	est, err := EstimateAffine(matches, ransac)
	if err != nil {
		res.Err = err
		entry.WithError(err).Warn("Image not aligned")
		return
	}
	res.Stage = StageEstimated
	res.Transform = est.Transform
	res.Inliers = len(est.Inliers)
	res.RMSE = est.RMSE
	res.MeanError = est.MeanError
	res.Pairs = make([]features.Correspondence, len(est.Inliers))
	for k, idx := range est.Inliers {
		res.Pairs[k] = matches[idx]
	}
	res.Coverage = Coverage(res.Pairs, refArea)
	res.Stage = StageDone

	entry.WithFields(logrus.Fields{
		"inliers":  res.Inliers,
		"rmse":     res.RMSE,
		"mean":     res.MeanError,
		"coverage": res.Coverage,
	}).Debug("Transform estimated")
}

// Coverage returns the area of the convex hull of the reference points in
// pairs as a fraction of area.
func Coverage(pairs []features.Correspondence, area float64) float64 {
	if area <= 0 {
		return 0
	}
	ref, _ := features.Points(pairs)
	return geometry.PolygonArea(geometry.ConvexHull(ref)) / area
}

// normalizeAll subtracts the background of every image in parallel.
func normalizeAll(ctx context.Context, images []*pcimage.Gray, diameter, workers int) ([]*pcimage.Gray, error) {
	out := make([]*pcimage.Gray, len(images))
	errs := make([]error, len(images))

	var wg sync.WaitGroup
	sem := make(chan struct{}, workers)
	for i := range images {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return nil, ctx.Err()
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			out[i], errs[i] = background.Subtract(images[i], diameter)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// markUnfinished records err on every image that neither finished nor failed.
func markUnfinished(batch *BatchResult, err error) {
	for i := range batch.Results {
		r := &batch.Results[i]
		if r.Err == nil && r.Stage != StageDone {
			r.Err = err
		}
	}
}

// Outcome is either a transform or the reason an image could not be aligned.
type Outcome struct {
	Transform geometry.AffineTransform
	Err       error
}

// AlignImage runs the pipeline with default options apart from the given
// parameters and returns an outcome per input index.
func AlignImage(ctx context.Context, images []*pcimage.Gray, backgroundDia, featureSize int,
	thresholdFactor, usePercentile float64) (map[int]Outcome, error) {

	opts := DefaultOptions()
	opts.BackgroundDia = backgroundDia
	opts.FeatureSize = featureSize
	opts.ThresholdFactor = thresholdFactor
	opts.Percentile = usePercentile

	batch, err := AlignImages(ctx, images, opts)
	if batch == nil {
		return nil, err
	}
	out := make(map[int]Outcome, len(batch.Results))
	for _, r := range batch.Results {
		if r.OK() {
			out[r.Index] = Outcome{Transform: r.Transform}
		} else {
			out[r.Index] = Outcome{Err: r.Err}
		}
	}
	return out, err
}
