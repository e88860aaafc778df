// Package merge groups adjacent same-class patches into outlined regions.
//
// Adjacency is center distance within one averaged patch width/height per
// axis plus identical effective color; the reserved unclassified gray never
// merges. Components are found with an iterative flood fill, rasterized
// into a per-component binary mask, and traced into one external boundary
// polygon each.
package merge

import (
	"math"

	"github.com/slideatlas/server/internal/spatial"
	"github.com/slideatlas/server/pkg/colormap"
)

// Patch is one rectangular classification cell in storage coordinates.
type Patch struct {
	Rect  spatial.BBox
	Color string // effective hex color
}

// Region is one maximal connected group of same-color patches, outlined by
// its external boundary polygon (storage coordinates, implicitly closed).
type Region struct {
	Color   string       `json:"color"`
	Patches []int        `json:"patches"`
	Polygon [][2]float64 `json:"polygon"`
	Bounds  spatial.BBox `json:"bounds"`
}

// Regions merges the full grid. The pass is linear in the number of
// patches; callers cache the result per session and filter per viewport.
func Regions(patches []Patch) []Region {
	if len(patches) == 0 {
		return nil
	}

	avgW, avgH := averageExtent(patches)
	if avgW <= 0 || avgH <= 0 {
		return nil
	}

	centers := make([][2]float64, len(patches))
	for i, p := range patches {
		centers[i] = [2]float64{(p.Rect.X1 + p.Rect.X2) / 2, (p.Rect.Y1 + p.Rect.Y2) / 2}
	}

	// Spatial hash over center cells so neighbor lookups stay O(1) on
	// 10^5+ grids.
	buckets := make(map[[2]int][]int, len(patches))
	cellOf := func(i int) [2]int {
		return [2]int{
			int(math.Floor(centers[i][0] / avgW)),
			int(math.Floor(centers[i][1] / avgH)),
		}
	}
	for i := range patches {
		c := cellOf(i)
		buckets[c] = append(buckets[c], i)
	}

	// Allow exact one-pitch spacing to count as adjacent.
	tolW := avgW * (1 + 1e-6)
	tolH := avgH * (1 + 1e-6)

	visited := make([]bool, len(patches))
	var regions []Region

	for seed := range patches {
		if visited[seed] {
			continue
		}
		color := colormap.Normalize(patches[seed].Color)
		if color == colormap.UnclassifiedHex {
			visited[seed] = true
			continue
		}

		// Iterative flood fill; recursion would overflow on large grids.
		component := []int{}
		stack := []int{seed}
		visited[seed] = true
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			component = append(component, i)

			c := cellOf(i)
			for dx := -1; dx <= 1; dx++ {
				for dy := -1; dy <= 1; dy++ {
					for _, j := range buckets[[2]int{c[0] + dx, c[1] + dy}] {
						if visited[j] {
							continue
						}
						if colormap.Normalize(patches[j].Color) != color {
							continue
						}
						if math.Abs(centers[i][0]-centers[j][0]) > tolW ||
							math.Abs(centers[i][1]-centers[j][1]) > tolH {
							continue
						}
						visited[j] = true
						stack = append(stack, j)
					}
				}
			}
		}

		regions = append(regions, traceRegion(patches, component, color, avgW, avgH))
	}

	return regions
}

// FilterByViewport returns the precomputed regions whose bounds overlap the
// viewport box. O(regions) per call.
func FilterByViewport(regions []Region, view spatial.BBox) []Region {
	var out []Region
	for _, r := range regions {
		if r.Bounds.Intersects(view) {
			out = append(out, r)
		}
	}
	return out
}

func averageExtent(patches []Patch) (w, h float64) {
	for _, p := range patches {
		w += p.Rect.X2 - p.Rect.X1
		h += p.Rect.Y2 - p.Rect.Y1
	}
	n := float64(len(patches))
	return w / n, h / n
}

// traceRegion rasterizes a component's rectangles into a bounding-box-sized
// mask and extracts the external boundary.
func traceRegion(patches []Patch, component []int, color string, avgW, avgH float64) Region {
	minX := math.Inf(1)
	minY := math.Inf(1)
	bounds := patches[component[0]].Rect
	for _, i := range component {
		r := patches[i].Rect
		minX = math.Min(minX, r.X1)
		minY = math.Min(minY, r.Y1)
		bounds.X1 = math.Min(bounds.X1, r.X1)
		bounds.Y1 = math.Min(bounds.Y1, r.Y1)
		bounds.X2 = math.Max(bounds.X2, r.X2)
		bounds.Y2 = math.Max(bounds.Y2, r.Y2)
	}

	// Snap each member rectangle onto an integer cell grid pitched at the
	// averaged extent.
	type cell = [2]int
	mask := make(map[cell]bool, len(component))
	for _, i := range component {
		r := patches[i].Rect
		gx := int(math.Round((r.X1 - minX) / avgW))
		gy := int(math.Round((r.Y1 - minY) / avgH))
		mask[cell{gx, gy}] = true
	}

	polygon := traceBoundary(mask)
	points := make([][2]float64, len(polygon))
	for i, c := range polygon {
		points[i] = [2]float64{minX + float64(c[0])*avgW, minY + float64(c[1])*avgH}
	}

	return Region{Color: color, Patches: component, Polygon: points, Bounds: bounds}
}

// traceBoundary chains the exposed cell edges into closed loops and returns
// the external one (largest absolute area); interior holes are dropped.
// Edges are oriented clockwise around filled cells so loops close.
func traceBoundary(mask map[[2]int]bool) [][2]int {
	type corner = [2]int
	edges := make(map[corner][]corner)
	addEdge := func(from, to corner) { edges[from] = append(edges[from], to) }

	for c := range mask {
		x, y := c[0], c[1]
		if !mask[[2]int{x, y - 1}] {
			addEdge(corner{x, y}, corner{x + 1, y})
		}
		if !mask[[2]int{x + 1, y}] {
			addEdge(corner{x + 1, y}, corner{x + 1, y + 1})
		}
		if !mask[[2]int{x, y + 1}] {
			addEdge(corner{x + 1, y + 1}, corner{x, y + 1})
		}
		if !mask[[2]int{x - 1, y}] {
			addEdge(corner{x, y + 1}, corner{x, y})
		}
	}

	var best [][2]int
	bestArea := 0.0

	for len(edges) > 0 {
		var start corner
		for c := range edges {
			start = c
			break
		}

		loop := [][2]int{start}
		cur := start
		for {
			nexts := edges[cur]
			next := nexts[len(nexts)-1]
			if len(nexts) == 1 {
				delete(edges, cur)
			} else {
				edges[cur] = nexts[:len(nexts)-1]
			}
			if next == start {
				break
			}
			loop = append(loop, next)
			cur = next
		}

		loop = dropCollinear(loop)
		if a := math.Abs(loopArea(loop)); a > bestArea {
			bestArea = a
			best = loop
		}
	}

	return best
}

// dropCollinear removes midpoints of straight runs so each polygon vertex
// is a true corner.
func dropCollinear(loop [][2]int) [][2]int {
	if len(loop) < 3 {
		return loop
	}
	out := loop[:0:0]
	n := len(loop)
	for i := 0; i < n; i++ {
		prev := loop[(i+n-1)%n]
		cur := loop[i]
		next := loop[(i+1)%n]
		cross := (cur[0]-prev[0])*(next[1]-cur[1]) - (cur[1]-prev[1])*(next[0]-cur[0])
		if cross != 0 {
			out = append(out, cur)
		}
	}
	return out
}

func loopArea(loop [][2]int) float64 {
	area := 0.0
	n := len(loop)
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		area += float64(loop[i][0]*loop[j][1] - loop[j][0]*loop[i][1])
	}
	return area / 2
}
