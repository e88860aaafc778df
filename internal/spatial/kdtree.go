// Package spatial provides the 2D point index and geometry predicates used
// by viewport queries.
package spatial

import (
	"math"
	"sort"
)

const leafSize = 16

// Point is one indexed centroid. ID is the entity index in the source
// arrays.
type Point struct {
	X, Y float64
	ID   int32
}

type node struct {
	start, end int32 // leaf: points[start:end]
	pointIdx   int32 // interior: splitting point
	left       int32 // node indices, -1 = none
	right      int32
	axis       uint8
	leaf       bool
}

// KDTree is a static 2D k-d tree over centroids, rebuilt on every
// (re)load. Nodes live in one flat slice; children are indices, not
// pointers.
type KDTree struct {
	nodes  []node
	points []Point
}

// NewKDTree builds a tree over a copy of points.
func NewKDTree(points []Point) *KDTree {
	t := &KDTree{
		nodes:  make([]node, 0, 2*len(points)/leafSize+1),
		points: make([]Point, len(points)),
	}
	copy(t.points, points)

	if len(t.points) > 0 {
		t.build(0, len(t.points)-1, 0)
	}
	return t
}

// Len returns the number of indexed points.
func (t *KDTree) Len() int { return len(t.points) }

func (t *KDTree) build(start, end, depth int) int32 {
	if start > end {
		return -1
	}

	nodeIdx := int32(len(t.nodes))
	t.nodes = append(t.nodes, node{})

	if end-start < leafSize {
		t.nodes[nodeIdx] = node{start: int32(start), end: int32(end + 1), left: -1, right: -1, leaf: true}
		return nodeIdx
	}

	axis := depth % 2
	median := (start + end) / 2
	sortRange(t.points[start:end+1], axis)

	left := t.build(start, median-1, depth+1)
	right := t.build(median+1, end, depth+1)
	t.nodes[nodeIdx] = node{pointIdx: int32(median), left: left, right: right, axis: uint8(axis)}
	return nodeIdx
}

func sortRange(points []Point, axis int) {
	if axis == 0 {
		sort.Slice(points, func(i, j int) bool { return points[i].X < points[j].X })
	} else {
		sort.Slice(points, func(i, j int) bool { return points[i].Y < points[j].Y })
	}
}

// Radius returns the ids of all points within r of (cx, cy).
func (t *KDTree) Radius(cx, cy, r float64) []int32 {
	if len(t.points) == 0 || r < 0 {
		return nil
	}

	r2 := r * r
	var out []int32

	// Explicit stack; tree depth is logarithmic but the queries run on
	// request goroutines with shared stacks.
	stack := make([]int32, 0, 64)
	stack = append(stack, 0)
	for len(stack) > 0 {
		idx := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if idx < 0 {
			continue
		}
		n := t.nodes[idx]

		if n.leaf {
			for _, p := range t.points[n.start:n.end] {
				if dist2(p.X, p.Y, cx, cy) <= r2 {
					out = append(out, p.ID)
				}
			}
			continue
		}

		p := t.points[n.pointIdx]
		if dist2(p.X, p.Y, cx, cy) <= r2 {
			out = append(out, p.ID)
		}

		var delta float64
		if n.axis == 0 {
			delta = cx - p.X
		} else {
			delta = cy - p.Y
		}

		near, far := n.left, n.right
		if delta > 0 {
			near, far = n.right, n.left
		}
		stack = append(stack, near)
		if delta*delta <= r2 {
			stack = append(stack, far)
		}
	}

	return out
}

func dist2(x1, y1, x2, y2 float64) float64 {
	dx := x1 - x2
	dy := y1 - y2
	return dx*dx + dy*dy
}

// RadiusForBBox converts a bounding box to the center and search radius
// used against the index: half the diagonal plus a fixed buffer margin, so
// every point inside the box (and a safety rim) is a candidate.
func RadiusForBBox(b BBox, margin float64) (cx, cy, r float64) {
	cx = (b.X1 + b.X2) / 2
	cy = (b.Y1 + b.Y2) / 2
	r = math.Hypot(b.X2-b.X1, b.Y2-b.Y1)/2 + margin
	return cx, cy, r
}
