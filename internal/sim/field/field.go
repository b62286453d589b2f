// Package field holds the continuous, grid-indexed quantities of the simulation
// (antigen density, cytokine channels, danger signals).
//
// A committed Set is immutable. Store stages additive deltas during a tick and
// builds the next Set in CommitStep: diffusion, then decay, then the staged deltas.
package field

import (
	"math"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/hu6789/MacroImmunet-demo/internal/sim/grid"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/simerr"
)

// MaxDiffusion keeps the explicit 5-point kernel stable and non-negative.
const MaxDiffusion = 0.25

type Spec struct {
	Name      string  `json:"name" yaml:"name" toml:"name"`
	HalfLife  float64 `json:"half_life" yaml:"half_life" toml:"half_life"` // ticks; 0 disables decay
	Diffusion float64 `json:"diffusion" yaml:"diffusion" toml:"diffusion"`
	Initial   float64 `json:"initial,omitempty" yaml:"initial" toml:"initial"`
}

func (s Spec) Validate() error {
	if s.Name == "" {
		return simerr.Validationf("field name is empty")
	}
	if s.HalfLife < 0 || math.IsNaN(s.HalfLife) || math.IsInf(s.HalfLife, 0) {
		return simerr.Validationf("field %s: half_life %v", s.Name, s.HalfLife)
	}
	if s.Diffusion < 0 || s.Diffusion > MaxDiffusion || math.IsNaN(s.Diffusion) {
		return simerr.Validationf("field %s: diffusion %v outside [0,%v]", s.Name, s.Diffusion, MaxDiffusion)
	}
	if s.Initial < 0 || math.IsNaN(s.Initial) || math.IsInf(s.Initial, 0) {
		return simerr.Validationf("field %s: initial %v", s.Name, s.Initial)
	}
	return nil
}

// Grid is one committed field. Never mutated after it is published.
type Grid struct {
	spec   Spec
	dims   grid.Dims
	values []float64
}

func (g *Grid) Spec() Spec      { return g.spec }
func (g *Grid) Dims() grid.Dims { return g.dims }

func (g *Grid) At(c grid.Cell) float64 { return g.values[g.dims.Index(c)] }

// Values returns a copy of the row-major values.
func (g *Grid) Values() []float64 { return append([]float64(nil), g.values...) }

func (g *Grid) Sum() float64 {
	var s float64
	for _, v := range g.values {
		s += v
	}
	return s
}

// Read returns the row-major values of region r.
func (g *Grid) Read(r grid.Region) ([]float64, error) {
	if err := g.dims.Check(r); err != nil {
		return nil, err
	}
	out := make([]float64, 0, r.Area())
	r.Cells(func(c grid.Cell) { out = append(out, g.values[g.dims.Index(c)]) })
	return out, nil
}

// Set is the committed collection of fields for one tick.
type Set struct {
	dims  grid.Dims
	grids map[string]*Grid
	names []string
}

// NewSet builds the genesis fields, each filled with its Initial value.
func NewSet(dims grid.Dims, specs []Spec) (*Set, error) {
	if dims.W <= 0 || dims.H <= 0 {
		return nil, simerr.Validationf("grid dims %dx%d", dims.W, dims.H)
	}
	s := &Set{dims: dims, grids: make(map[string]*Grid, len(specs))}
	for _, sp := range specs {
		if err := sp.Validate(); err != nil {
			return nil, err
		}
		if _, dup := s.grids[sp.Name]; dup {
			return nil, simerr.Validationf("duplicate field %s", sp.Name)
		}
		vals := make([]float64, dims.Cells())
		for i := range vals {
			vals[i] = sp.Initial
		}
		s.grids[sp.Name] = &Grid{spec: sp, dims: dims, values: vals}
		s.names = append(s.names, sp.Name)
	}
	sort.Strings(s.names)
	return s, nil
}

// Restore rebuilds a Set from persisted values.
func Restore(dims grid.Dims, specs []Spec, values map[string][]float64) (*Set, error) {
	s, err := NewSet(dims, specs)
	if err != nil {
		return nil, err
	}
	for name, vals := range values {
		g, ok := s.grids[name]
		if !ok {
			return nil, simerr.Validationf("unknown field %s in snapshot", name)
		}
		if len(vals) != dims.Cells() {
			return nil, simerr.Validationf("field %s: %d values for %d cells", name, len(vals), dims.Cells())
		}
		for _, v := range vals {
			if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, errors.Wrapf(simerr.ErrInvariantViolation, "field %s: stored value %v", name, v)
			}
		}
		g.values = append([]float64(nil), vals...)
	}
	return s, nil
}

func (s *Set) Dims() grid.Dims { return s.dims }

// Names returns field names in sorted order.
func (s *Set) Names() []string { return append([]string(nil), s.names...) }

func (s *Set) Grid(name string) (*Grid, bool) {
	g, ok := s.grids[name]
	return g, ok
}

func (s *Set) Read(name string, r grid.Region) ([]float64, error) {
	g, ok := s.grids[name]
	if !ok {
		return nil, simerr.Validationf("unknown field %q", name)
	}
	return g.Read(r)
}

func (s *Set) Sum(name string) (float64, error) {
	g, ok := s.grids[name]
	if !ok {
		return 0, simerr.Validationf("unknown field %q", name)
	}
	return g.Sum(), nil
}
