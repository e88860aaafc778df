package spatial

// BBox is an axis-aligned box with X1 <= X2 and Y1 <= Y2.
type BBox struct {
	X1, Y1, X2, Y2 float64
}

// Normalize swaps flipped corners.
func (b BBox) Normalize() BBox {
	if b.X1 > b.X2 {
		b.X1, b.X2 = b.X2, b.X1
	}
	if b.Y1 > b.Y2 {
		b.Y1, b.Y2 = b.Y2, b.Y1
	}
	return b
}

// Contains reports whether (x, y) lies inside the box (inclusive).
func (b BBox) Contains(x, y float64) bool {
	return x >= b.X1 && x <= b.X2 && y >= b.Y1 && y <= b.Y2
}

// Intersects is the extent-overlap test used by merge and save paths:
// x2>=vx1 && x1<=vx2 && y2>=vy1 && y1<=vy2.
func (b BBox) Intersects(o BBox) bool {
	return b.X2 >= o.X1 && b.X1 <= o.X2 && b.Y2 >= o.Y1 && b.Y1 <= o.Y2
}

// EdgeTolerance shrinks polygon containment by a hair so a point lying
// exactly on a shared edge between two adjacent query polygons is counted
// by neither.
const EdgeTolerance = 1e-9

// PointInPolygon is an even-odd crossing test. Points within EdgeTolerance
// of any edge are treated as outside, preventing double inclusion across
// adjacent polygons that share an edge.
func PointInPolygon(x, y float64, poly [][2]float64) bool {
	n := len(poly)
	if n < 3 {
		return false
	}

	for i := 0; i < n; i++ {
		j := (i + 1) % n
		if distToSegment2(x, y, poly[i][0], poly[i][1], poly[j][0], poly[j][1]) <= EdgeTolerance*EdgeTolerance {
			return false
		}
	}

	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		xi, yi := poly[i][0], poly[i][1]
		xj, yj := poly[j][0], poly[j][1]
		if (yi > y) != (yj > y) && x < (xj-xi)*(y-yi)/(yj-yi)+xi {
			inside = !inside
		}
	}
	return inside
}

func distToSegment2(px, py, x1, y1, x2, y2 float64) float64 {
	dx := x2 - x1
	dy := y2 - y1
	l2 := dx*dx + dy*dy
	if l2 == 0 {
		return dist2(px, py, x1, y1)
	}

	t := ((px-x1)*dx + (py-y1)*dy) / l2
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	return dist2(px, py, x1+t*dx, y1+t*dy)
}

// PolygonBBox returns the bounding box of a polygon.
func PolygonBBox(poly [][2]float64) BBox {
	if len(poly) == 0 {
		return BBox{}
	}
	b := BBox{X1: poly[0][0], Y1: poly[0][1], X2: poly[0][0], Y2: poly[0][1]}
	for _, p := range poly[1:] {
		if p[0] < b.X1 {
			b.X1 = p[0]
		}
		if p[0] > b.X2 {
			b.X2 = p[0]
		}
		if p[1] < b.Y1 {
			b.Y1 = p[1]
		}
		if p[1] > b.Y2 {
			b.Y2 = p[1]
		}
	}
	return b
}
