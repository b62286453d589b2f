package grid

import (
	"fmt"
	"math"

	"github.com/cockroachdb/errors"

	"github.com/hu6789/MacroImmunet-demo/internal/sim/simerr"
)

// Dims are the width and height of the simulation grid in cells.
type Dims struct {
	W int `json:"w" yaml:"w" toml:"w"`
	H int `json:"h" yaml:"h" toml:"h"`
}

func (d Dims) Cells() int { return d.W * d.H }

func (d Dims) Contains(c Cell) bool {
	return c.X >= 0 && c.Y >= 0 && c.X < d.W && c.Y < d.H
}

// Index returns the row-major offset of c. c must be inside d.
func (d Dims) Index(c Cell) int { return c.Y*d.W + c.X }

// All returns the region covering the whole grid.
func (d Dims) All() Region {
	return Region{Max: Cell{X: d.W - 1, Y: d.H - 1}}
}

// Check fails with simerr.ErrInvalidRegion when r is inverted or leaves the grid.
func (d Dims) Check(r Region) error {
	if r.Min.X > r.Max.X || r.Min.Y > r.Max.Y {
		return errors.Wrapf(simerr.ErrInvalidRegion, "inverted region %s", r)
	}
	if !d.Contains(r.Min) || !d.Contains(r.Max) {
		return errors.Wrapf(simerr.ErrInvalidRegion, "region %s outside %dx%d grid", r, d.W, d.H)
	}
	return nil
}

type Cell struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Region is an inclusive axis-aligned rectangle of cells.
type Region struct {
	Min Cell `json:"min"`
	Max Cell `json:"max"`
}

func CellRegion(c Cell) Region { return Region{Min: c, Max: c} }

// FromArray converts the wire form x0,y0,x1,y1.
func FromArray(a [4]int) Region {
	return Region{Min: Cell{X: a[0], Y: a[1]}, Max: Cell{X: a[2], Y: a[3]}}
}

func (r Region) Array() [4]int { return [4]int{r.Min.X, r.Min.Y, r.Max.X, r.Max.Y} }

func (r Region) String() string {
	return fmt.Sprintf("[%d,%d..%d,%d]", r.Min.X, r.Min.Y, r.Max.X, r.Max.Y)
}

func (r Region) Width() int  { return r.Max.X - r.Min.X + 1 }
func (r Region) Height() int { return r.Max.Y - r.Min.Y + 1 }
func (r Region) Area() int   { return r.Width() * r.Height() }

func (r Region) Contains(c Cell) bool {
	return c.X >= r.Min.X && c.X <= r.Max.X && c.Y >= r.Min.Y && c.Y <= r.Max.Y
}

func (r Region) Overlaps(o Region) bool {
	return r.Min.X <= o.Max.X && o.Min.X <= r.Max.X && r.Min.Y <= o.Max.Y && o.Min.Y <= r.Max.Y
}

// Union returns the bounding box of r and o.
func (r Region) Union(o Region) Region {
	return Region{
		Min: Cell{X: min(r.Min.X, o.Min.X), Y: min(r.Min.Y, o.Min.Y)},
		Max: Cell{X: max(r.Max.X, o.Max.X), Y: max(r.Max.Y, o.Max.Y)},
	}
}

// Center is the geometric center of r in cell coordinates.
func (r Region) Center() Point {
	return Point{X: float64(r.Min.X+r.Max.X) / 2, Y: float64(r.Min.Y+r.Max.Y) / 2}
}

// Gap is the Euclidean distance between the closest cells of r and o; 0 when they overlap.
func (r Region) Gap(o Region) float64 {
	dx := max(0, max(r.Min.X-o.Max.X, o.Min.X-r.Max.X))
	dy := max(0, max(r.Min.Y-o.Max.Y, o.Min.Y-r.Max.Y))
	return math.Hypot(float64(dx), float64(dy))
}

// Cells calls fn for every cell of r in row-major order.
func (r Region) Cells(fn func(Cell)) {
	for y := r.Min.Y; y <= r.Max.Y; y++ {
		for x := r.Min.X; x <= r.Max.X; x++ {
			fn(Cell{X: x, Y: y})
		}
	}
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}
