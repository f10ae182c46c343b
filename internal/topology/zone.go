package topology

import "math"

// Point is a vertex in the normalized 0-100 coordinate space used by zones.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Zone is a polygon in normalized 0-100 coordinates marking where objects
// leave one camera's frame or enter another's.
type Zone struct {
	Points []Point `json:"points"`
}

// Contains reports whether (x, y) falls inside the polygon using the
// standard even-odd ray-casting rule. Degenerate polygons with fewer than
// three vertices contain nothing.
func (z *Zone) Contains(x, y float64) bool {
	if z == nil || len(z.Points) < 3 {
		return false
	}

	inside := false
	j := len(z.Points) - 1
	for i := 0; i < len(z.Points); i++ {
		pi, pj := z.Points[i], z.Points[j]
		if (pi.Y > y) != (pj.Y > y) &&
			x < (pj.X-pi.X)*(y-pi.Y)/(pj.Y-pi.Y)+pi.X {
			inside = !inside
		}
		j = i
	}
	return inside
}

// Near reports whether (x, y) is inside the polygon or within tol of any
// vertex. The distance is measured directly in the scaled percentage space
// on both axes, so hand-drawn zones near a frame edge still match points
// that land just outside them.
func (z *Zone) Near(x, y, tol float64) bool {
	if z == nil || len(z.Points) == 0 {
		return false
	}
	if z.Contains(x, y) {
		return true
	}
	for _, p := range z.Points {
		dx := p.X - x
		dy := p.Y - y
		if math.Sqrt(dx*dx+dy*dy) <= tol {
			return true
		}
	}
	return false
}
