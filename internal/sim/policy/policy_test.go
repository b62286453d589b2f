package policy

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hu6789/MacroImmunet-demo/internal/protocol"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/center"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/field"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/grid"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/intent"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/label"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/simerr"
)

func newCenter(t *testing.T) *center.Center {
	t.Helper()
	c, err := center.New(center.Config{
		StoreID:         "policy",
		Dims:            grid.Dims{W: 6, H: 6},
		Fields:          []field.Spec{{Name: "antigen"}},
		TickRateHz:      5,
		PruneAfterTicks: 5,
		CooldownTicks:   2,
	})
	require.NoError(t, err)
	return c
}

// tick drives one full tick through d.
func tick(t *testing.T, c *center.Center, d *Driver) (Result, center.Report) {
	t.Helper()
	_, err := c.BeginTick()
	require.NoError(t, err)
	res, err := d.Drive(context.Background(), c.View())
	require.NoError(t, err)
	rep, err := c.Commit(context.Background())
	require.NoError(t, err)
	return res, rep
}

func seed(t *testing.T, c *center.Center, ins ...intent.Intent) {
	t.Helper()
	_, err := c.Step(context.Background(), ins)
	require.NoError(t, err)
}

func hotspot(x, y int, mag float64) intent.Intent {
	return intent.Intent{Kind: intent.KindCreateLabel, Create: &intent.CreateLabel{Type: label.TypeHotspot, Region: grid.CellRegion(grid.Cell{X: x, Y: y}), Magnitude: mag}}
}

func TestDriver_DefaultsToNoop(t *testing.T) {
	c := newCenter(t)
	d := NewDriver(c.Submitter(), nil)
	res, rep := tick(t, c, d)
	assert.Empty(t, res.Submitted["noop"])
	assert.Empty(t, rep.Applied)
}

func TestDriver_CompetingClaimersGetOneOwner(t *testing.T) {
	c := newCenter(t)
	seed(t, c, hotspot(2, 2, 5))

	d := NewDriver(c.Submitter(), []Backend{
		&Claimer{Owner: "A", LabelType: label.TypeHotspot},
		&Claimer{Owner: "B", LabelType: label.TypeHotspot},
	}, WithConcurrency(2))
	res, rep := tick(t, c, d)

	require.Len(t, res.Submitted["claim:A"], 1)
	require.Len(t, res.Submitted["claim:B"], 1)
	require.Len(t, rep.Applied, 1)
	require.Len(t, rep.Rejected, 1)
	assert.Equal(t, protocol.ErrConflict, rep.Rejected[0].Code)

	// The lower seq wins; its submitter owns the label.
	winner := "A"
	if res.Submitted["claim:B"][0] < res.Submitted["claim:A"][0] {
		winner = "B"
	}
	owner, ok := c.View().Owner(1)
	require.True(t, ok)
	assert.Equal(t, winner, owner)

	// Next tick the holder keeps it and the loser sees no free label.
	res, rep = tick(t, c, d)
	assert.Empty(t, res.Submitted["claim:A"])
	assert.Empty(t, res.Submitted["claim:B"])
	assert.Empty(t, rep.Applied)
	assert.Empty(t, rep.Rejected)
}

func TestClaimer_ReleasesFadingLabels(t *testing.T) {
	c := newCenter(t)
	seed(t, c, hotspot(1, 1, 5))
	seed(t, c, intent.Intent{Kind: intent.KindClaimLabel, Label: 1, Owner: "A"})
	seed(t, c, intent.Intent{Kind: intent.KindUpdateLabel, Label: 1, Update: &intent.UpdateLabel{Magnitude: ptr(0.5)}})

	cl := &Claimer{Owner: "A", LabelType: label.TypeHotspot, ReleaseBelow: 1}
	ins, err := cl.Decide(context.Background(), c.View())
	require.NoError(t, err)
	require.Len(t, ins, 1)
	assert.Equal(t, intent.KindReleaseLabel, ins[0].Kind)

	_, rep := tick(t, c, NewDriver(c.Submitter(), []Backend{cl}))
	assert.Len(t, rep.Applied, 1)
	_, owned := c.View().Owner(1)
	assert.False(t, owned)

	// Cooling down: the claimer does not retry yet.
	cl.ReleaseBelow = 0
	ins, err = cl.Decide(context.Background(), c.View())
	require.NoError(t, err)
	assert.Empty(t, ins)
}

func TestScanner_EmitsAtStrongestCells(t *testing.T) {
	c := newCenter(t)
	seed(t, c,
		intent.Intent{Kind: intent.KindFieldDelta, Field: &intent.FieldDelta{Field: "antigen", Region: grid.CellRegion(grid.Cell{X: 4, Y: 1}), Delta: 3}},
		intent.Intent{Kind: intent.KindFieldDelta, Field: &intent.FieldDelta{Field: "antigen", Region: grid.CellRegion(grid.Cell{X: 0, Y: 5}), Delta: 2}},
	)

	s := &Scanner{Field: "antigen", Threshold: 1, TopK: 1, Cooldown: 5, Penalty: 10}
	_, rep := tick(t, c, NewDriver(c.Submitter(), []Backend{s}))
	require.Len(t, rep.Created, 1)
	ls := c.View().Labels(label.Filter{Type: label.TypeHotspot})
	require.Len(t, ls, 1)
	assert.Equal(t, grid.CellRegion(grid.Cell{X: 4, Y: 1}), ls[0].Region)
	assert.Equal(t, 3.0, ls[0].Magnitude)

	// Recently picked cell is penalized; the scan moves on.
	ins, err := s.Decide(context.Background(), c.View())
	require.NoError(t, err)
	require.Len(t, ins, 1)
	assert.Equal(t, grid.Cell{X: 0, Y: 5}, ins[0].Emit.Cell)
}

func TestScanner_UnknownField(t *testing.T) {
	c := newCenter(t)
	_, err := (&Scanner{Field: "nope"}).Decide(context.Background(), c.View())
	assert.True(t, errors.Is(err, simerr.ErrValidation))
}

func TestDriver_RefusalsAndErrors(t *testing.T) {
	c := newCenter(t)
	_, err := c.BeginTick()
	require.NoError(t, err)
	defer c.Discard()

	bad := Func{ID: "bad", Fn: func(context.Context, center.View) ([]intent.Intent, error) {
		return []intent.Intent{{Kind: intent.KindFieldDelta, Field: &intent.FieldDelta{Field: "antigen", Region: grid.CellRegion(grid.Cell{X: 9, Y: 9}), Delta: 1}}}, nil
	}}
	res, err := NewDriver(c.Submitter(), []Backend{bad}).Drive(context.Background(), c.View())
	require.NoError(t, err)
	require.Len(t, res.Refused, 1)
	assert.Equal(t, protocol.ErrInvalidRegion, res.Refused[0].Code)
	assert.Equal(t, "bad", res.Refused[0].Backend)

	boom := Func{ID: "boom", Fn: func(context.Context, center.View) ([]intent.Intent, error) {
		return nil, errors.New("scorer offline")
	}}
	_, err = NewDriver(c.Submitter(), []Backend{boom, Noop{}}).Drive(context.Background(), c.View())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend boom")
}

func ptr(f float64) *float64 { return &f }
