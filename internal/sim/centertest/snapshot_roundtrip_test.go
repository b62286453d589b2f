package centertest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hu6789/MacroImmunet-demo/internal/persistence/snapshot"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/center"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/label"
)

func TestSnapshotRoundTrip_ContinuesIdentically(t *testing.T) {
	h1 := NewHarness(t, Config())
	h1.StepFor(25, Workload)

	h2 := h1.SnapshotRoundTrip(t.TempDir())
	require.Equal(t, h1.Tick(), h2.Tick())
	require.Equal(t, h1.Digest(), h2.Digest())

	// Ownership, cooldowns and successors survive the trip.
	assert.Equal(t, h1.C.Snapshot().Ownership(), h2.C.Snapshot().Ownership())
	assert.Equal(t, h1.C.View().Labels(label.Filter{}), h2.C.View().Labels(label.Filter{}))

	d1 := h1.StepFor(25, Workload)
	d2 := h2.StepFor(25, Workload)
	assert.Equal(t, d1, d2)
}

func TestSnapshotRoundTrip_SinkSnapshotResumes(t *testing.T) {
	cfg := Config()
	cfg.SnapshotEveryTicks = 10
	sink := make(chan snapshot.SnapshotV1, 4)
	h1 := NewHarness(t, cfg, center.WithSnapshotSink(sink))
	h1.StepFor(20, Workload)

	require.Len(t, sink, 2)
	first := <-sink
	assert.Equal(t, uint64(10), first.Header.Tick)
	assert.Equal(t, h1.Reports[9].Digest, first.Header.Digest)

	c, err := center.Restore(first, cfg.SnapshotEveryTicks)
	require.NoError(t, err)
	h2 := NewHarnessWithCenter(t, c)
	got := h2.StepFor(10, Workload)
	for i, d := range got {
		assert.Equal(t, h1.Reports[10+i].Digest, d, "tick %d", 11+i)
	}
}

func TestSnapshotRoundTrip_LatestOnDisk(t *testing.T) {
	dir := t.TempDir()
	h := NewHarness(t, Config())
	h.StepFor(3, Workload)
	h.SnapshotRoundTrip(dir)
	h.StepFor(3, Workload)
	h.SnapshotRoundTrip(dir)

	path, err := snapshot.Latest(dir + "/snapshots")
	require.NoError(t, err)
	hdr, err := snapshot.ReadHeader(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), hdr.Tick)
	assert.Equal(t, h.Digest(), hdr.Digest)
}

func TestSnapshotRoundTrip_TamperedDigestRefused(t *testing.T) {
	h := NewHarness(t, Config())
	h.StepFor(5, Workload)
	snap := h.ExportSnapshot()
	snap.Fields[0].Values[0] += 1

	_, err := center.Restore(snap, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "restored digest")
}
