package centertest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/hu6789/MacroImmunet-demo/internal/persistence/snapshot"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/center"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/field"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/grid"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/intent"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/label"
)

// Harness is a small black-box helper for driving a store through its exported API:
// - Step()/StepFor() run whole ticks via Center.Step
// - Reports keeps every committed report in order
// - SnapshotRoundTrip writes the current snapshot to disk and restores a new store from it
//
// It only uses exported APIs so tests can live outside the center package.
type Harness struct {
	T *testing.T
	C *center.Center

	Reports []center.Report
}

// Config is a small grid with two fields and short timers, so lifecycle effects show
// up within a few dozen ticks.
func Config() center.Config {
	return center.Config{
		StoreID: "centertest",
		Dims:    grid.Dims{W: 16, H: 16},
		Fields: []field.Spec{
			{Name: "antigen", Diffusion: 0.1},
			{Name: "il2", HalfLife: 8, Diffusion: 0.2},
		},
		TickRateHz:      20,
		MergeDistance:   1,
		PruneThreshold:  0.2,
		PruneAfterTicks: 3,
		DefaultHalfLife: 20,
		CooldownTicks:   3,
		DwellTicks:      2,
	}
}

func NewHarness(t *testing.T, cfg center.Config, opts ...center.Option) *Harness {
	t.Helper()
	c, err := center.New(cfg, opts...)
	if err != nil {
		t.Fatalf("center.New: %v", err)
	}
	return &Harness{T: t, C: c}
}

// NewHarnessWithCenter wraps an already-constructed store, e.g. one restored from a snapshot.
func NewHarnessWithCenter(t *testing.T, c *center.Center) *Harness {
	t.Helper()
	if c == nil {
		t.Fatalf("NewHarnessWithCenter: nil center")
	}
	return &Harness{T: t, C: c}
}

func (h *Harness) Tick() uint64   { return h.C.Snapshot().Tick() }
func (h *Harness) Digest() string { return h.C.Snapshot().Digest() }

// Step commits one tick with ins and fails the test on a tick-fatal error.
func (h *Harness) Step(ins ...intent.Intent) center.Report {
	h.T.Helper()
	rep, err := h.C.Step(context.Background(), ins)
	if err != nil {
		h.T.Fatalf("step tick %d: %v", h.Tick()+1, err)
	}
	h.Reports = append(h.Reports, rep)
	return rep
}

// Generator produces the intents for the next tick from the committed view.
type Generator func(next uint64, v center.View) []intent.Intent

// StepFor runs n ticks fed by gen and returns the digest after each.
func (h *Harness) StepFor(n int, gen Generator) []string {
	h.T.Helper()
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		v := h.C.View()
		rep := h.Step(gen(v.Tick()+1, v)...)
		out = append(out, rep.Digest)
	}
	return out
}

// Label returns the live label id and fails the test if it is absent.
func (h *Harness) Label(id label.ID) label.Label {
	h.T.Helper()
	l, ok := h.C.Snapshot().Label(id)
	if !ok {
		h.T.Fatalf("label %s not live at tick %d", id, h.Tick())
	}
	return l
}

// Created returns the label created by seq in rep.
func (h *Harness) Created(rep center.Report, seq uint64) label.ID {
	h.T.Helper()
	id, ok := rep.Created[seq]
	if !ok {
		h.T.Fatalf("seq %d created nothing at tick %d", seq, rep.Tick)
	}
	return id
}

func (h *Harness) ExportSnapshot() snapshot.SnapshotV1 {
	return h.C.ExportSnapshot(h.C.Snapshot())
}

// SnapshotRoundTrip writes the current snapshot under dir, reads it back and returns a
// harness around the restored store.
func (h *Harness) SnapshotRoundTrip(dir string, opts ...center.Option) *Harness {
	h.T.Helper()
	path := snapshot.PathForTick(filepath.Join(dir, "snapshots"), h.Tick())
	if err := snapshot.WriteSnapshot(path, h.ExportSnapshot()); err != nil {
		h.T.Fatalf("write snapshot: %v", err)
	}
	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		h.T.Fatalf("read snapshot: %v", err)
	}
	c, err := center.Restore(snap, h.C.Config().SnapshotEveryTicks, opts...)
	if err != nil {
		h.T.Fatalf("restore: %v", err)
	}
	return NewHarnessWithCenter(h.T, c)
}

func At(x, y int) grid.Region { return grid.CellRegion(grid.Cell{X: x, Y: y}) }

func Rect(x0, y0, x1, y1 int) grid.Region {
	return grid.Region{Min: grid.Cell{X: x0, Y: y0}, Max: grid.Cell{X: x1, Y: y1}}
}

func FieldDelta(name string, r grid.Region, delta float64) intent.Intent {
	return intent.Intent{Kind: intent.KindFieldDelta, Field: &intent.FieldDelta{Field: name, Region: r, Delta: delta}}
}

func Create(typ string, r grid.Region, magnitude float64) intent.Intent {
	return intent.Intent{Kind: intent.KindCreateLabel, Create: &intent.CreateLabel{Type: typ, Region: r, Magnitude: magnitude}}
}

func Emit(typ string, x, y int, amount float64) intent.Intent {
	return intent.Intent{Kind: intent.KindEmitLabel, Emit: &intent.EmitLabel{Type: typ, Cell: grid.Cell{X: x, Y: y}, Amount: amount}}
}

func SetMagnitude(id label.ID, m float64) intent.Intent {
	return intent.Intent{Kind: intent.KindUpdateLabel, Label: id, Update: &intent.UpdateLabel{Magnitude: &m}}
}

func SetState(id label.ID, s label.State) intent.Intent {
	return intent.Intent{Kind: intent.KindUpdateLabel, Label: id, Update: &intent.UpdateLabel{State: s}}
}

func Merge(ids ...label.ID) intent.Intent {
	return intent.Intent{Kind: intent.KindMergeLabels, Labels: ids}
}

func Split(id label.ID, parts ...label.Part) intent.Intent {
	return intent.Intent{Kind: intent.KindSplitLabel, Label: id, Parts: parts}
}

func Claim(id label.ID, owner string, priority int) intent.Intent {
	return intent.Intent{Kind: intent.KindClaimLabel, Label: id, Owner: owner, Priority: priority, Submitter: owner}
}

func Release(id label.ID, owner string) intent.Intent {
	return intent.Intent{Kind: intent.KindReleaseLabel, Label: id, Owner: owner, Submitter: owner}
}

func Prune(id label.ID) intent.Intent {
	return intent.Intent{Kind: intent.KindPruneLabel, Label: id}
}

// Workload is a mixed intent stream that depends only on the tick and the committed
// view. Two stores fed by it from the same state must stay digest-identical.
// It exercises every intent kind and produces a steady share of rejections.
func Workload(next uint64, v center.View) []intent.Intent {
	d := v.Dims()
	n := int(next)
	ins := []intent.Intent{
		FieldDelta("antigen", At((n*7)%d.W, (n*3)%d.H), 2),
		FieldDelta("il2", Rect(0, 0, d.W-1, 1), 0.25),
	}
	if next%2 == 0 {
		ins = append(ins, Emit(label.TypeHotspot, (n*5)%d.W, (n*11)%d.H, 1.5))
	}
	if next%3 == 0 {
		x, y := (n*3)%(d.W-1), (n*5)%d.H
		ins = append(ins, Create(label.TypeAntigenSource, Rect(x, y, x+1, y), 4))
	}

	live := v.Labels(label.Filter{})
	var free, mineA []label.Label
	for _, l := range live {
		switch {
		case l.Owner == "A":
			mineA = append(mineA, l)
		case !l.Owned() && l.State == label.Active && l.CooldownUntil <= next:
			free = append(free, l)
		}
	}
	if len(free) > 0 {
		target := free[n%len(free)].ID
		ins = append(ins, Claim(target, "A", n%2), Claim(target, "B", (n+1)%2))
	}
	if next%4 == 0 && len(mineA) > 0 {
		ins = append(ins, Release(mineA[0].ID, "A"))
	}
	if next%4 == 1 && len(mineA) > 0 {
		// Not the owner: always refused.
		ins = append(ins, Release(mineA[0].ID, "B"))
	}
	if next%5 == 0 && len(live) > 0 {
		ins = append(ins, SetMagnitude(live[0].ID, 0.1))
	}
	if next%6 == 0 && len(live) > 1 {
		ins = append(ins, SetState(live[len(live)-1].ID, label.Inactive))
	}
	if next%7 == 0 && len(free) > 1 {
		ins = append(ins, Merge(free[0].ID, free[1].ID))
	}
	if next%9 == 0 {
		for _, l := range free {
			if l.Region.Width() == 2 {
				left := At(l.Region.Min.X, l.Region.Min.Y)
				right := At(l.Region.Max.X, l.Region.Min.Y)
				ins = append(ins, Split(l.ID, label.Part{Region: left, Share: 0.5}, label.Part{Region: right, Share: 0.5}))
				break
			}
		}
	}
	for _, l := range live {
		if l.PruneCandidate {
			ins = append(ins, Prune(l.ID))
		}
	}
	// Unknown ids keep the not-found path busy.
	if next%8 == 0 {
		ins = append(ins, Prune(label.ID(1_000_000+next)))
	}
	return ins
}
