// Package features detects ORB keypoints and matches their binary
// descriptors between a reference and a target image.
//
// One parameter, ThresholdFactor, drives both stages: it scales the FAST
// corner threshold that confirms keypoints and shrinks the Hamming distance
// cutoff used to accept matches. Candidates, descriptors and mutual matches
// are computed independently of it, so raising it can only remove matches.
package features

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"sort"

	pcimage "affine-aligner/internal/image"
	"affine-aligner/pkg/geometry"

	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/stat"
)

var (
	ErrInvalidFeatureSize     = errors.New("feature size must be positive")
	ErrInvalidThresholdFactor = errors.New("threshold factor must be positive")
	ErrInvalidScaleFactor     = errors.New("scale factor must be positive")
)

// OpenCV's default FAST threshold for ORB.
const baseFASTThreshold = 20

// candidateFASTThreshold is the permissive threshold ORB proposes keypoints
// at. The factor-dependent threshold only gates this fixed candidate set.
const candidateFASTThreshold = 1

// cornerRadius is how far, in pixels at pyramid level 0, a FAST corner may lie
// from a keypoint and still confirm it. It grows with the keypoint's octave.
const cornerRadius = 2.0

// orbPyramidScale is the ratio between ORB pyramid levels.
const orbPyramidScale = 1.2

// Params configures detection and matching.
type Params struct {
	FeatureSize     int     // Maximum keypoints kept per image
	ThresholdFactor float64 // Detector strictness and match cutoff knob
	ScaleFactor     float64 // Brightness gain applied before 8-bit conversion
}

// DefaultParams returns the default detection parameters.
func DefaultParams() Params {
	return Params{
		FeatureSize:     500,
		ThresholdFactor: 0.67,
		ScaleFactor:     1.8,
	}
}

// Validate checks the parameters.
func (p Params) Validate() error {
	if p.FeatureSize <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidFeatureSize, p.FeatureSize)
	}
	if !(p.ThresholdFactor > 0) || math.IsInf(p.ThresholdFactor, 0) {
		return fmt.Errorf("%w: %g", ErrInvalidThresholdFactor, p.ThresholdFactor)
	}
	if !(p.ScaleFactor > 0) || math.IsInf(p.ScaleFactor, 0) {
		return fmt.Errorf("%w: %g", ErrInvalidScaleFactor, p.ScaleFactor)
	}
	return nil
}

// FASTThreshold returns the detector corner threshold for a factor.
func FASTThreshold(factor float64) int {
	t := int(math.Round(baseFASTThreshold * factor))
	if t < 1 {
		t = 1
	}
	return t
}

// KeyPoint is a detected keypoint position with its detector response.
// Corner reports whether the keypoint passed the factor's FAST threshold.
type KeyPoint struct {
	Pos      geometry.Point2D
	Response float64
	Size     float64
	Angle    float64
	Octave   int
	Corner   bool
}

// KeyPointSet holds candidate keypoints sorted by descending response and
// their descriptors (one 32-byte row per keypoint). The candidates and their
// spread do not depend on ThresholdFactor; only the Corner flags do. It is
// read-only after detection and may be shared between goroutines. Close
// releases the Mat.
type KeyPointSet struct {
	Points      []KeyPoint
	Descriptors gocv.Mat
	spread      float64
}

// Len returns the number of candidate keypoints.
func (s *KeyPointSet) Len() int {
	return len(s.Points)
}

// Corners returns the number of keypoints that passed the FAST threshold.
func (s *KeyPointSet) Corners() int {
	n := 0
	for _, p := range s.Points {
		if p.Corner {
			n++
		}
	}
	return n
}

// Close releases the descriptor Mat.
func (s *KeyPointSet) Close() error {
	return s.Descriptors.Close()
}

// Spread returns the smallest standard deviation of descriptor byte values
// over all candidate descriptors, or 0 for an empty set.
func (s *KeyPointSet) Spread() float64 {
	return s.spread
}

func descriptorSpread(rows [][]byte) float64 {
	if len(rows) == 0 {
		return 0
	}
	spread := math.Inf(1)
	vals := make([]float64, len(rows[0]))
	for _, d := range rows {
		for i, b := range d {
			vals[i] = float64(b)
		}
		if sd := stat.PopStdDev(vals, nil); sd < spread {
			spread = sd
		}
	}
	return spread
}

// ToUint8 converts intensities to an 8-bit Mat for the detector, mapping
// [0, max] to [0, 255*scale] and clipping. The caller must Close the Mat.
func ToUint8(img *pcimage.Gray, scale float64) (gocv.Mat, error) {
	data := make([]byte, len(img.Pix))
	if maxV := img.Max(); maxV > 0 {
		gain := 255 * scale / maxV
		for i, p := range img.Pix {
			v := math.Round(p * gain)
			if v < 0 {
				v = 0
			} else if v > 255 {
				v = 255
			}
			data[i] = uint8(v)
		}
	}

	m, err := gocv.NewMatFromBytes(img.Height, img.Width, gocv.MatTypeCV8U, data)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("8-bit conversion: %w", err)
	}
	defer m.Close()
	// m borrows data; the clone owns its pixels
	out := m.Clone()
	runtime.KeepAlive(data)
	return out, nil
}

// Detector wraps an ORB detector and the FAST corner test that gates its
// keypoints. It is not safe for concurrent use; create one per goroutine.
type Detector struct {
	orb    gocv.ORB
	fast   gocv.FastFeatureDetector
	params Params
}

// NewDetector creates a detector for params.
func NewDetector(params Params) (*Detector, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	orb := gocv.NewORBWithParams(
		params.FeatureSize,
		orbPyramidScale,
		8,  // levels
		31, // edge threshold
		0,  // first level
		2,  // WTA_K
		gocv.ORBScoreTypeHarris,
		31, // patch size
		candidateFASTThreshold,
	)
	// without non-maximum suppression the corner set only shrinks as the
	// threshold rises
	fast := gocv.NewFastFeatureDetectorWithParams(
		FASTThreshold(params.ThresholdFactor), false, gocv.FastFeatureDetectorType9To16)
	return &Detector{orb: orb, fast: fast, params: params}, nil
}

// Close releases the detector.
func (d *Detector) Close() error {
	if err := d.fast.Close(); err != nil {
		d.orb.Close()
		return err
	}
	return d.orb.Close()
}

// Detect finds at most FeatureSize candidate keypoints in img, strongest
// first, and flags those confirmed by a FAST corner at the factor's
// threshold.
func (d *Detector) Detect(img *pcimage.Gray) (*KeyPointSet, error) {
	src, err := ToUint8(img, d.params.ScaleFactor)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	mask := gocv.NewMat()
	defer mask.Close()

	kps, desc := d.orb.DetectAndCompute(src, mask)
	defer desc.Close()

	if len(kps) == 0 || desc.Empty() {
		return &KeyPointSet{Descriptors: gocv.NewMat()}, nil
	}
	if desc.Rows() != len(kps) {
		return nil, fmt.Errorf("detector returned %d descriptors for %d keypoints", desc.Rows(), len(kps))
	}

	order := make([]int, len(kps))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return kps[order[a]].Response > kps[order[b]].Response
	})
	if len(order) > d.params.FeatureSize {
		order = order[:d.params.FeatureSize]
	}

	corners := newCornerMap(d.fast.Detect(src), img.Width, img.Height)

	all, err := desc.DataPtrUint8()
	if err != nil {
		return nil, fmt.Errorf("descriptor data: %w", err)
	}
	cols := desc.Cols()
	data := make([]byte, 0, len(order)*cols)
	rows := make([][]byte, len(order))
	points := make([]KeyPoint, len(order))
	for i, src := range order {
		kp := kps[src]
		pos := geometry.Point2D{X: kp.X, Y: kp.Y}
		points[i] = KeyPoint{
			Pos:      pos,
			Response: kp.Response,
			Size:     kp.Size,
			Angle:    kp.Angle,
			Octave:   kp.Octave,
			Corner:   corners.near(pos, cornerRadius*math.Pow(orbPyramidScale, float64(kp.Octave))),
		}
		rows[i] = all[src*cols : (src+1)*cols]
		data = append(data, rows[i]...)
	}

	picked, err := gocv.NewMatFromBytes(len(order), cols, gocv.MatTypeCV8U, data)
	if err != nil {
		return nil, fmt.Errorf("descriptor rows: %w", err)
	}
	defer picked.Close()
	set := &KeyPointSet{
		Points:      points,
		Descriptors: picked.Clone(),
		spread:      descriptorSpread(rows),
	}
	runtime.KeepAlive(data)
	return set, nil
}

// cornerMap marks the pixels where the FAST test fired.
type cornerMap struct {
	width, height int
	hit           []bool
}

func newCornerMap(kps []gocv.KeyPoint, width, height int) cornerMap {
	m := cornerMap{width: width, height: height, hit: make([]bool, width*height)}
	for _, kp := range kps {
		x, y := int(math.Round(kp.X)), int(math.Round(kp.Y))
		if x >= 0 && x < width && y >= 0 && y < height {
			m.hit[y*width+x] = true
		}
	}
	return m
}

// near reports whether a corner lies within radius of p (Chebyshev distance).
func (m cornerMap) near(p geometry.Point2D, radius float64) bool {
	r := int(math.Ceil(radius))
	cx, cy := int(math.Round(p.X)), int(math.Round(p.Y))
	for y := max(cy-r, 0); y <= min(cy+r, m.height-1); y++ {
		for x := max(cx-r, 0); x <= min(cx+r, m.width-1); x++ {
			if m.hit[y*m.width+x] {
				return true
			}
		}
	}
	return false
}
