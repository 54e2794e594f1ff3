package geometry

import "sort"

// ConvexHull returns the vertices of the convex hull of points in a
// consistent winding order, starting from the point with the smallest Y.
// Collinear boundary points are dropped. Fewer than three input points are
// returned as a copy.
func ConvexHull(points []Point2D) []Point2D {
	pts := make([]Point2D, len(points))
	copy(pts, points)
	if len(pts) < 3 {
		return pts
	}

	sort.Slice(pts, func(i, j int) bool {
		if pts[i].Y != pts[j].Y {
			return pts[i].Y < pts[j].Y
		}
		return pts[i].X < pts[j].X
	})

	// Andrew's monotone chain, sweeping along y
	hull := make([]Point2D, 0, 2*len(pts))
	for _, p := range pts {
		for len(hull) >= 2 && Cross(hull[len(hull)-2], hull[len(hull)-1], p) >= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	lower := len(hull) + 1
	for i := len(pts) - 2; i >= 0; i-- {
		p := pts[i]
		for len(hull) >= lower && Cross(hull[len(hull)-2], hull[len(hull)-1], p) >= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	return hull[:len(hull)-1]
}

// PolygonArea returns the unsigned area of a simple polygon (shoelace
// formula).
func PolygonArea(polygon []Point2D) float64 {
	if len(polygon) < 3 {
		return 0
	}
	var twice float64
	for i := range polygon {
		j := (i + 1) % len(polygon)
		twice += polygon[i].X*polygon[j].Y - polygon[j].X*polygon[i].Y
	}
	if twice < 0 {
		twice = -twice
	}
	return twice / 2
}
