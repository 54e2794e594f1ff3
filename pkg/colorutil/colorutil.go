// Package colorutil provides the colors used for alignment overlays.
package colorutil

import "image/color"

// Overlay colors.
var (
	White   = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	Cyan    = color.RGBA{R: 0, G: 255, B: 255, A: 255}
	Magenta = color.RGBA{R: 255, G: 0, B: 255, A: 255}
	Green   = color.RGBA{R: 0, G: 255, B: 0, A: 255}
)

// Tint scales a color by an intensity in [0, 1], returning float channels in
// [0, 255] so several tints can be summed before clipping.
func Tint(c color.RGBA, intensity float64) [3]float64 {
	if intensity < 0 {
		intensity = 0
	}
	if intensity > 1 {
		intensity = 1
	}
	return [3]float64{
		float64(c.R) * intensity,
		float64(c.G) * intensity,
		float64(c.B) * intensity,
	}
}
