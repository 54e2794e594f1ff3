package features

import (
	"fmt"
	"math"
	"sort"

	pcimage "affine-aligner/internal/image"
	"affine-aligner/pkg/geometry"

	"gocv.io/x/gocv"
)

// Correspondence is a matched keypoint pair.
type Correspondence struct {
	Reference geometry.Point2D
	Target    geometry.Point2D
	Distance  float64 // Hamming distance between descriptors

	RefIndex    int
	TargetIndex int
}

// Matcher is a brute-force Hamming matcher with cross-checking, so only
// mutual nearest neighbours are reported. Not safe for concurrent use.
type Matcher struct {
	bf gocv.BFMatcher
}

// NewMatcher creates a matcher.
func NewMatcher() *Matcher {
	return &Matcher{bf: gocv.NewBFMatcherWithParams(gocv.NormHamming, true)}
}

// Close releases the matcher.
func (m *Matcher) Close() error {
	return m.bf.Close()
}

// Match pairs reference descriptors with target descriptors. The result is
// sorted by ascending distance, ties by reference keypoint index.
func (m *Matcher) Match(ref, tgt *KeyPointSet) []Correspondence {
	if ref.Len() == 0 || tgt.Len() == 0 {
		return nil
	}

	var out []Correspondence
	for _, candidates := range m.bf.KnnMatch(ref.Descriptors, tgt.Descriptors, 1) {
		if len(candidates) == 0 {
			continue
		}
		dm := candidates[0]
		if dm.QueryIdx < 0 || dm.QueryIdx >= ref.Len() || dm.TrainIdx < 0 || dm.TrainIdx >= tgt.Len() {
			continue
		}
		out = append(out, Correspondence{
			Reference:   ref.Points[dm.QueryIdx].Pos,
			Target:      tgt.Points[dm.TrainIdx].Pos,
			Distance:    dm.Distance,
			RefIndex:    dm.QueryIdx,
			TargetIndex: dm.TrainIdx,
		})
	}
	SortByDistance(out)
	return out
}

// SortByDistance orders correspondences by ascending distance, ties by
// reference index.
func SortByDistance(c []Correspondence) {
	sort.SliceStable(c, func(a, b int) bool {
		if c[a].Distance != c[b].Distance {
			return c[a].Distance < c[b].Distance
		}
		return c[a].RefIndex < c[b].RefIndex
	})
}

// Cutoff returns the match acceptance distance for a factor: the smaller
// descriptor spread of the two sets divided by (1 + factor).
func Cutoff(ref, tgt *KeyPointSet, factor float64) float64 {
	spread := math.Min(ref.Spread(), tgt.Spread())
	return spread / (1 + factor)
}

// Accept keeps correspondences whose distance is strictly below cutoff.
// Order is preserved.
func Accept(matches []Correspondence, cutoff float64) []Correspondence {
	var out []Correspondence
	for _, m := range matches {
		if m.Distance < cutoff {
			out = append(out, m)
		}
	}
	return out
}

// Confirmed keeps correspondences whose keypoints both passed the FAST
// threshold. Order is preserved.
func Confirmed(matches []Correspondence, ref, tgt *KeyPointSet) []Correspondence {
	var out []Correspondence
	for _, m := range matches {
		if ref.Points[m.RefIndex].Corner && tgt.Points[m.TargetIndex].Corner {
			out = append(out, m)
		}
	}
	return out
}

// MatchSets matches all candidates of two detected sets, then keeps the
// confirmed pairs that fall under the factor's cutoff.
func (m *Matcher) MatchSets(ref, tgt *KeyPointSet, factor float64) []Correspondence {
	return Accept(Confirmed(m.Match(ref, tgt), ref, tgt), Cutoff(ref, tgt, factor))
}

// ExtractAndMatch detects keypoints on both images and returns accepted
// correspondences. An empty result is not an error.
func ExtractAndMatch(ref, tgt *pcimage.Gray, params Params) ([]Correspondence, error) {
	det, err := NewDetector(params)
	if err != nil {
		return nil, err
	}
	defer det.Close()

	refSet, err := det.Detect(ref)
	if err != nil {
		return nil, fmt.Errorf("reference keypoints: %w", err)
	}
	defer refSet.Close()

	tgtSet, err := det.Detect(tgt)
	if err != nil {
		return nil, fmt.Errorf("target keypoints: %w", err)
	}
	defer tgtSet.Close()

	matcher := NewMatcher()
	defer matcher.Close()

	return matcher.MatchSets(refSet, tgtSet, params.ThresholdFactor), nil
}

// Points splits correspondences into parallel reference and target slices.
func Points(c []Correspondence) (ref, tgt []geometry.Point2D) {
	ref = make([]geometry.Point2D, len(c))
	tgt = make([]geometry.Point2D, len(c))
	for i, m := range c {
		ref[i] = m.Reference
		tgt[i] = m.Target
	}
	return ref, tgt
}
