package archive

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hu6789/MacroImmunet-demo/internal/persistence/snapshot"
)

func snapAt(tick uint64) snapshot.SnapshotV1 {
	return snapshot.SnapshotV1{
		Header:    snapshot.Header{Version: snapshot.Version, StoreID: "lc", Tick: tick, Digest: "d"},
		Labels:    []snapshot.LabelV1{{ID: 1}, {ID: 2}},
		Ownership: []snapshot.OwnershipV1{{Label: 1, Owner: "A"}, {Label: 2, CooldownUntil: 9}},
	}
}

func TestArchiveEpochSnapshot_CopiesBoundarySnapshot(t *testing.T) {
	storeDir := t.TempDir()
	src := snapshot.PathForTick(filepath.Join(storeDir, "snapshots"), 200)
	require.NoError(t, snapshot.WriteSnapshot(src, snapAt(200)))

	epoch, archived, ok, err := ArchiveEpochSnapshot(storeDir, src, snapAt(200), 100)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, epoch)
	assert.Equal(t, filepath.Join(storeDir, "archives", "epoch_002", filepath.Base(src)), archived)

	want, err := os.ReadFile(src)
	require.NoError(t, err)
	got, err := os.ReadFile(archived)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	b, err := os.ReadFile(filepath.Join(filepath.Dir(archived), "meta.json"))
	require.NoError(t, err)
	var meta EpochArchiveMeta
	require.NoError(t, json.Unmarshal(b, &meta))
	assert.Equal(t, uint64(200), meta.Tick)
	assert.Equal(t, 2, meta.Labels)
	assert.Equal(t, 1, meta.Owned)
}

func TestArchiveEpochSnapshot_SkipsOffBoundary(t *testing.T) {
	for _, c := range []struct {
		tick, every uint64
	}{{150, 100}, {0, 100}, {200, 0}} {
		_, _, ok, err := ArchiveEpochSnapshot(t.TempDir(), "unused", snapAt(c.tick), c.every)
		require.NoError(t, err)
		assert.False(t, ok, "tick=%d every=%d", c.tick, c.every)
	}
}

func TestPruneSnapshots_KeepsNewest(t *testing.T) {
	dir := t.TempDir()
	for _, tick := range []uint64{10, 40, 20, 30} {
		require.NoError(t, snapshot.WriteSnapshot(snapshot.PathForTick(dir, tick), snapAt(tick)))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "junk.snap.zst"), []byte("x"), 0o644))

	removed, err := PruneSnapshots(dir, 2)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{snapshot.PathForTick(dir, 10), snapshot.PathForTick(dir, 20)}, removed)

	left, err := filepath.Glob(filepath.Join(dir, "*.snap.zst"))
	require.NoError(t, err)
	assert.Len(t, left, 3)

	removed, err = PruneSnapshots(dir, 0)
	require.NoError(t, err)
	assert.Empty(t, removed)
}
