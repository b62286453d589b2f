package field

import (
	"math"

	"github.com/cockroachdb/errors"

	"github.com/hu6789/MacroImmunet-demo/internal/sim/grid"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/simerr"
)

// DefaultEpsilon is the tolerance below zero that is treated as rounding noise.
const DefaultEpsilon = 1e-9

// Store owns the committed Set and the per-tick staging buffer.
// It is not safe for concurrent use; the committer serializes access.
type Store struct {
	committed *Set
	epsilon   float64

	open   bool
	staged map[string][]float64
}

func NewStore(set *Set, epsilon float64) *Store {
	if epsilon <= 0 {
		epsilon = DefaultEpsilon
	}
	return &Store{committed: set, epsilon: epsilon}
}

func (s *Store) Committed() *Set { return s.committed }

func (s *Store) Read(name string, r grid.Region) ([]float64, error) {
	return s.committed.Read(name, r)
}

// Begin opens a staging buffer for one tick.
func (s *Store) Begin() {
	s.open = true
	s.staged = map[string][]float64{}
}

// Discard drops staged deltas without touching committed state.
func (s *Store) Discard() {
	s.open = false
	s.staged = nil
}

// Stage adds delta to every cell of r. Deltas to the same cell sum.
func (s *Store) Stage(name string, r grid.Region, delta float64) error {
	if !s.open {
		return errors.Wrap(simerr.ErrPhase, "field stage outside staging")
	}
	g, ok := s.committed.grids[name]
	if !ok {
		return simerr.Validationf("unknown field %q", name)
	}
	if math.IsNaN(delta) || math.IsInf(delta, 0) {
		return simerr.Validationf("field %s: delta %v", name, delta)
	}
	if err := g.dims.Check(r); err != nil {
		return err
	}
	acc := s.staged[name]
	if acc == nil {
		acc = make([]float64, g.dims.Cells())
		s.staged[name] = acc
	}
	r.Cells(func(c grid.Cell) { acc[g.dims.Index(c)] += delta })
	return nil
}

// CommitStep builds the next Set: diffusion, decay, then staged deltas.
// The staging buffer is closed either way; the caller decides whether to Publish.
func (s *Store) CommitStep() (*Set, error) {
	if !s.open {
		return nil, errors.Wrap(simerr.ErrPhase, "field commit outside staging")
	}
	staged := s.staged
	s.Discard()

	cur := s.committed
	next := &Set{dims: cur.dims, grids: make(map[string]*Grid, len(cur.grids)), names: cur.names}
	for _, name := range cur.names {
		g := cur.grids[name]
		vals, err := s.step(g, staged[name])
		if err != nil {
			return nil, err
		}
		next.grids[name] = &Grid{spec: g.spec, dims: g.dims, values: vals}
	}
	return next, nil
}

// Publish installs next as the committed Set.
func (s *Store) Publish(next *Set) { s.committed = next }

func (s *Store) step(g *Grid, delta []float64) ([]float64, error) {
	name := g.spec.Name
	before := g.Sum()
	vals := diffuse(g.dims, g.values, g.spec.Diffusion)

	var after float64
	for _, v := range vals {
		after += v
	}
	if tol := 1e-9 * math.Max(1, math.Abs(before)); math.Abs(after-before) > tol {
		return nil, errors.Wrapf(simerr.ErrInvariantViolation, "field %s: diffusion changed mass %v -> %v", name, before, after)
	}

	if hl := g.spec.HalfLife; hl > 0 {
		f := math.Pow(0.5, 1/hl)
		for i := range vals {
			vals[i] *= f
		}
	}

	for i := range vals {
		if delta != nil {
			vals[i] += delta[i]
		}
		v := vals[i]
		switch {
		case math.IsNaN(v) || math.IsInf(v, 0):
			return nil, errors.Wrapf(simerr.ErrInvariantViolation, "field %s: non-finite value at cell %d", name, i)
		case v < -s.epsilon:
			return nil, errors.Wrapf(simerr.ErrInvariantViolation, "field %s: negative mass %v at cell %d", name, v, i)
		case v < 0:
			vals[i] = 0
		}
	}
	return vals, nil
}

// diffuse applies one explicit step of the 5-point no-flux kernel.
// Exchange is computed per neighbor pair so mass moves, never appears.
func diffuse(d grid.Dims, in []float64, coeff float64) []float64 {
	out := append([]float64(nil), in...)
	if coeff == 0 {
		return out
	}
	for y := 0; y < d.H; y++ {
		for x := 0; x < d.W; x++ {
			i := y*d.W + x
			if x+1 < d.W {
				j := i + 1
				flux := coeff * (in[j] - in[i])
				out[i] += flux
				out[j] -= flux
			}
			if y+1 < d.H {
				j := i + d.W
				flux := coeff * (in[j] - in[i])
				out[i] += flux
				out[j] -= flux
			}
		}
	}
	return out
}
