package spatial

import (
	"math"
	"math/rand"
	"sort"
	"testing"
)

func TestRadiusMatchesBruteForce(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(7))
	points := make([]Point, 500)
	for i := range points {
		points[i] = Point{
			X:  rng.Float64() * 1000,
			Y:  rng.Float64() * 1000,
			ID: int32(i),
		}
	}
	tree := NewKDTree(points)

	for trial := 0; trial < 20; trial++ {
		cx := rng.Float64() * 1000
		cy := rng.Float64() * 1000
		r := rng.Float64() * 300

		var want []int32
		for _, p := range points {
			if dist2(p.X, p.Y, cx, cy) <= r*r {
				want = append(want, p.ID)
			}
		}

		got := tree.Radius(cx, cy, r)
		sortIDs(want)
		sortIDs(got)
		if !equalIDs(want, got) {
			t.Fatalf("trial %d: radius query mismatch: want %d ids, got %d", trial, len(want), len(got))
		}
	}
}

func TestRadiusEmptyTree(t *testing.T) {
	t.Parallel()

	tree := NewKDTree(nil)
	if got := tree.Radius(0, 0, 10); got != nil {
		t.Fatalf("expected nil result on empty tree, got %v", got)
	}
}

func TestRadiusForBBoxCoversCorners(t *testing.T) {
	t.Parallel()

	b := BBox{X1: 0, Y1: 0, X2: 30, Y2: 40}
	cx, cy, r := RadiusForBBox(b, 5)
	if cx != 15 || cy != 20 {
		t.Fatalf("unexpected center: (%v,%v)", cx, cy)
	}
	// Half-diagonal of a 30x40 box is 25.
	if math.Abs(r-30) > 1e-12 {
		t.Fatalf("unexpected radius: %v", r)
	}
}

func TestPointInPolygonSquare(t *testing.T) {
	t.Parallel()

	square := [][2]float64{{0, 0}, {10, 0}, {10, 10}, {0, 10}}

	if !PointInPolygon(5, 5, square) {
		t.Fatalf("expected interior point to be inside")
	}
	if PointInPolygon(15, 5, square) {
		t.Fatalf("expected exterior point to be outside")
	}
	if PointInPolygon(10, 5, square) {
		t.Fatalf("expected edge point to be excluded")
	}
	if PointInPolygon(0, 0, square) {
		t.Fatalf("expected vertex to be excluded")
	}
}

func TestAdjacentPolygonsDoNotDoubleCount(t *testing.T) {
	t.Parallel()

	// Two squares sharing the x=10 edge, over a uniform integer grid.
	left := [][2]float64{{0, 0}, {10, 0}, {10, 10}, {0, 10}}
	right := [][2]float64{{10, 0}, {20, 0}, {20, 10}, {10, 10}}

	countLeft := 0
	countRight := 0
	both := 0
	for x := 0; x <= 20; x++ {
		for y := 0; y <= 10; y++ {
			inL := PointInPolygon(float64(x), float64(y), left)
			inR := PointInPolygon(float64(x), float64(y), right)
			if inL {
				countLeft++
			}
			if inR {
				countRight++
			}
			if inL && inR {
				both++
			}
		}
	}

	if both != 0 {
		t.Fatalf("%d grid points counted by both adjacent polygons", both)
	}
	// Strict interior of each 10x10 square over an integer grid: 9x9.
	if countLeft != 81 || countRight != 81 {
		t.Fatalf("expected 81 strictly-interior points per square, got %d and %d", countLeft, countRight)
	}
}

func TestBBoxIntersects(t *testing.T) {
	t.Parallel()

	a := BBox{X1: 0, Y1: 0, X2: 10, Y2: 10}
	if !a.Intersects(BBox{X1: 10, Y1: 10, X2: 20, Y2: 20}) {
		t.Fatalf("expected touching extents to intersect")
	}
	if a.Intersects(BBox{X1: 11, Y1: 0, X2: 20, Y2: 10}) {
		t.Fatalf("expected disjoint extents not to intersect")
	}
}

func sortIDs(ids []int32) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

func equalIDs(a, b []int32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
