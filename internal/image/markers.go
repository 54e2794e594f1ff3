package image

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"affine-aligner/pkg/geometry"

	"gocv.io/x/gocv"
)

// DrawMarkers outlines a circle of radius r around every point.
func DrawMarkers(img *image.RGBA, points []geometry.Point2D, r int, c color.RGBA) error {
	return drawOn(img, func(m *gocv.Mat) {
		for _, p := range points {
			gocv.Circle(m, pixel(p, img.Rect.Min), r, matColor(c), 1)
		}
	})
}

// DrawPolygon draws the closed outline through the vertices.
func DrawPolygon(img *image.RGBA, vertices []geometry.Point2D, c color.RGBA) error {
	if len(vertices) < 2 {
		return nil
	}
	return drawOn(img, func(m *gocv.Mat) {
		for i := range vertices {
			a := pixel(vertices[i], img.Rect.Min)
			b := pixel(vertices[(i+1)%len(vertices)], img.Rect.Min)
			gocv.Line(m, a, b, matColor(c), 1)
		}
	})
}

// drawOn wraps the pixels of img in a 4-channel Mat, runs draw on it and
// copies the result back into img.
func drawOn(img *image.RGBA, draw func(m *gocv.Mat)) error {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	if w == 0 || h == 0 {
		return nil
	}
	if img.Stride != 4*w {
		return fmt.Errorf("cannot draw on a sub-image")
	}
	m, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8UC4, img.Pix[:4*w*h])
	if err != nil {
		return fmt.Errorf("drawing surface: %w", err)
	}
	defer m.Close()

	draw(&m)
	copy(img.Pix, m.ToBytes())
	return nil
}

// pixel rounds p to the pixel grid of an image whose bounds start at origin.
func pixel(p geometry.Point2D, origin image.Point) image.Point {
	return image.Point{
		X: int(math.Round(p.X)) - origin.X,
		Y: int(math.Round(p.Y)) - origin.Y,
	}
}

// matColor swaps red and blue: OpenCV writes colors in B, G, R, A channel
// order while the Mat holds R, G, B, A bytes.
func matColor(c color.RGBA) color.RGBA {
	return color.RGBA{R: c.B, G: c.G, B: c.R, A: c.A}
}
