package grid

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"

	"github.com/hu6789/MacroImmunet-demo/internal/sim/simerr"
)

func TestDimsCheck(t *testing.T) {
	d := Dims{W: 8, H: 4}
	assert.NoError(t, d.Check(d.All()))
	assert.NoError(t, d.Check(CellRegion(Cell{X: 7, Y: 3})))

	bad := []Region{
		FromArray([4]int{0, 0, 8, 3}),
		FromArray([4]int{-1, 0, 2, 2}),
		FromArray([4]int{3, 3, 2, 2}),
		FromArray([4]int{0, 4, 0, 4}),
	}
	for _, r := range bad {
		err := d.Check(r)
		assert.True(t, errors.Is(err, simerr.ErrInvalidRegion), "region %s: %v", r, err)
	}
}

func TestRegionGeometry(t *testing.T) {
	a := FromArray([4]int{0, 0, 1, 1})
	b := FromArray([4]int{1, 1, 3, 2})
	c := FromArray([4]int{4, 5, 4, 5})

	assert.True(t, a.Overlaps(b))
	assert.False(t, a.Overlaps(c))
	assert.Equal(t, 0.0, a.Gap(b))
	assert.InDelta(t, 5.0, a.Gap(c), 1e-12) // dx=3, dy=4
	assert.Equal(t, FromArray([4]int{0, 0, 4, 5}), a.Union(c))
	assert.Equal(t, 6, b.Area())
	assert.Equal(t, Point{X: 2, Y: 1.5}, b.Center())

	var seen []Cell
	a.Cells(func(c Cell) { seen = append(seen, c) })
	assert.Equal(t, []Cell{{0, 0}, {1, 0}, {0, 1}, {1, 1}}, seen)
}

func TestArrayRoundTrip(t *testing.T) {
	r := FromArray([4]int{2, 3, 5, 7})
	assert.Equal(t, [4]int{2, 3, 5, 7}, r.Array())
	assert.Equal(t, "[2,3..5,7]", r.String())
}
