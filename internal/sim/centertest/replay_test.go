package centertest

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	persistlog "github.com/hu6789/MacroImmunet-demo/internal/persistence/log"
	"github.com/hu6789/MacroImmunet-demo/internal/persistence/replay"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/center"
)

// record runs the workload with a tick log under dir and returns the harness.
func record(t *testing.T, dir string, ticks int) *Harness {
	t.Helper()
	tl := persistlog.NewTickLogger(dir)
	h := NewHarness(t, Config(), center.WithTickLogger(tl))
	h.StepFor(ticks, Workload)
	require.NoError(t, tl.Close())
	return h
}

func TestReplay_FromGenesisReproducesDigests(t *testing.T) {
	dir := t.TempDir()
	live := record(t, dir, 30)

	c, err := center.New(Config())
	require.NoError(t, err)
	res, err := replay.Run(context.Background(), c, persistlog.EventsDir(dir), replay.Options{})
	require.NoError(t, err)
	assert.Equal(t, 30, res.Ticks)
	assert.Equal(t, uint64(30), res.LastTick)
	assert.Positive(t, res.Intents)
	assert.Empty(t, res.Mismatches)
	assert.Equal(t, live.Digest(), c.Snapshot().Digest())
}

func TestReplay_FromSnapshotSkipsCoveredTicks(t *testing.T) {
	dir := t.TempDir()
	tl := persistlog.NewTickLogger(dir)
	live := NewHarness(t, Config(), center.WithTickLogger(tl))
	live.StepFor(12, Workload)
	mid := live.SnapshotRoundTrip(t.TempDir())
	live.StepFor(8, Workload)
	require.NoError(t, tl.Close())

	res, err := replay.Run(context.Background(), mid.C, persistlog.EventsDir(dir), replay.Options{})
	require.NoError(t, err)
	assert.Equal(t, uint64(12), res.FromTick)
	assert.Equal(t, 8, res.Ticks)
	assert.Equal(t, live.Digest(), mid.Digest())
}

func TestReplay_ToTick(t *testing.T) {
	dir := t.TempDir()
	live := record(t, dir, 10)

	c, err := center.New(Config())
	require.NoError(t, err)
	res, err := replay.Run(context.Background(), c, persistlog.EventsDir(dir), replay.Options{ToTick: 4})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), res.LastTick)
	assert.Equal(t, live.Reports[3].Digest, c.Snapshot().Digest())
}

func TestReplay_DetectsDivergence(t *testing.T) {
	dir := t.TempDir()
	record(t, dir, 10)

	cfg := Config()
	cfg.Fields[0].Diffusion = 0.2
	c, err := center.New(cfg)
	require.NoError(t, err)

	res, err := replay.Run(context.Background(), c, persistlog.EventsDir(dir), replay.Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, replay.ErrDigestMismatch))
	require.Len(t, res.Mismatches, 1)

	c, err = center.New(cfg)
	require.NoError(t, err)
	res, err = replay.Run(context.Background(), c, persistlog.EventsDir(dir), replay.Options{ContinueOnMismatch: true})
	require.Error(t, err)
	assert.Equal(t, 10, res.Ticks)
	require.NotEmpty(t, res.Mismatches)
	assert.LessOrEqual(t, res.Mismatches[0].Tick, uint64(2))
}

func TestReplay_GapIsAnError(t *testing.T) {
	c, err := center.New(Config())
	require.NoError(t, err)
	_, err = replay.Entry(context.Background(), c, center.TickLogEntry{Tick: 5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gap")
}
