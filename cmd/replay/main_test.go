package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	persistlog "github.com/hu6789/MacroImmunet-demo/internal/persistence/log"
	"github.com/hu6789/MacroImmunet-demo/internal/persistence/snapshot"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/center"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/grid"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/intent"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/label"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/tuning"
)

// recordLog runs a few ticks on a default-tuned store and returns the data dir and
// a snapshot taken at tick 2.
func recordLog(t *testing.T) (string, string, *center.Center) {
	t.Helper()
	dir := t.TempDir()
	tl := persistlog.NewTickLogger(dir)
	c, err := center.New(tuning.Defaults().Center(), center.WithTickLogger(tl))
	require.NoError(t, err)

	ctx := context.Background()
	cell := grid.CellRegion(grid.Cell{X: 3, Y: 4})
	ticks := [][]intent.Intent{
		{{Kind: intent.KindFieldDelta, Field: &intent.FieldDelta{Field: "antigen", Region: cell, Delta: 4}}},
		{{Kind: intent.KindCreateLabel, Create: &intent.CreateLabel{Type: label.TypeHotspot, Region: cell, Magnitude: 3}}},
		{{Kind: intent.KindClaimLabel, Label: 1, Owner: "A"}, {Kind: intent.KindClaimLabel, Label: 1, Owner: "B"}},
		{{Kind: intent.KindReleaseLabel, Label: 1, Owner: "A"}},
	}
	var snapPath string
	for i, ins := range ticks {
		_, err := c.Step(ctx, ins)
		require.NoError(t, err)
		if i == 1 {
			snapPath = snapshot.PathForTick(filepath.Join(dir, "snapshots"), 2)
			require.NoError(t, snapshot.WriteSnapshot(snapPath, c.ExportSnapshot(c.Snapshot())))
		}
	}
	require.NoError(t, tl.Close())
	return dir, snapPath, c
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.Execute()
	return out.String(), err
}

func TestReplayFromGenesis(t *testing.T) {
	dir, _, live := recordLog(t)
	out, err := execute(t, "--events", persistlog.EventsDir(dir))
	require.NoError(t, err, out)
	assert.Contains(t, out, "replay ok: checked=4 ticks")
	assert.Contains(t, out, live.Snapshot().Digest())
}

func TestReplayFromSnapshot(t *testing.T) {
	dir, snapPath, _ := recordLog(t)
	out, err := execute(t, "--events", persistlog.EventsDir(dir), "--snapshot", snapPath)
	require.NoError(t, err, out)
	assert.Contains(t, out, "checked=2 ticks")
	assert.Contains(t, out, "from=2 to=4")
}

func TestReplayDetectsWrongTuning(t *testing.T) {
	dir, _, _ := recordLog(t)
	tp := filepath.Join(t.TempDir(), "tuning.yaml")
	writeFile(t, tp, "fields:\n  - name: antigen\n    diffusion: 0.25\n  - name: il2\n  - name: danger\n")
	out, err := execute(t, "--events", persistlog.EventsDir(dir), "--tuning", tp)
	require.Error(t, err)
	assert.Contains(t, out, "mismatch tick=")
}

func TestReplayRequiresEvents(t *testing.T) {
	_, err := execute(t)
	assert.Error(t, err)
}

func TestInspect(t *testing.T) {
	_, snapPath, _ := recordLog(t)
	out, err := execute(t, "inspect", snapPath)
	require.NoError(t, err)
	assert.Contains(t, out, "store=label-center tick=2")
	assert.Contains(t, out, "labels=1")
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}
