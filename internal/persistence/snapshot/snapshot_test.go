package snapshot

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample(tick uint64) SnapshotV1 {
	return SnapshotV1{
		Header: Header{Version: Version, StoreID: "lc-1", Tick: tick, Digest: "abc"},
		GridW:  2,
		GridH:  1,
		Params: ParamsV1{TickRateHz: 5, CooldownTicks: 3, DwellTicks: 2},
		Fields: []FieldV1{{Name: "antigen", Diffusion: 0.1, Values: []float64{1, 2}}},
		Labels: []LabelV1{{ID: 4, Type: "hotspot", Region: [4]int{0, 0, 1, 0}, Magnitude: 3, State: "active", Owner: "A"}},
		Successors: []SuccessorV1{{ID: 1, Successor: 4}},
		Ownership:  []OwnershipV1{{Label: 4, Owner: "A", ClaimTick: 7}},
		Counters:   CountersV1{NextLabelID: 4, NextSeq: 19},
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := PathForTick(dir, 42)
	require.NoError(t, WriteSnapshot(path, sample(42)))

	got, err := ReadSnapshot(path)
	require.NoError(t, err)
	assert.Equal(t, sample(42), got)

	h, err := ReadHeader(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), h.Tick)
	assert.Equal(t, "abc", h.Digest)
}

func TestLatestPicksHighestTick(t *testing.T) {
	dir := t.TempDir()
	for _, tick := range []uint64{5, 120, 30} {
		require.NoError(t, WriteSnapshot(PathForTick(dir, tick), sample(tick)))
	}
	p, err := Latest(dir)
	require.NoError(t, err)
	assert.Equal(t, PathForTick(dir, 120), p)

	p, err = Latest(filepath.Join(dir, "empty"))
	require.NoError(t, err)
	assert.Empty(t, p)

	p, err = LatestAtOrBefore(dir, 100)
	require.NoError(t, err)
	assert.Equal(t, PathForTick(dir, 30), p)

	p, err = LatestAtOrBefore(dir, 4)
	require.NoError(t, err)
	assert.Empty(t, p)
}

func TestReadRejectsUnknownVersion(t *testing.T) {
	dir := t.TempDir()
	s := sample(1)
	s.Header.Version = 9
	path := PathForTick(dir, 1)
	require.NoError(t, WriteSnapshot(path, s))
	_, err := ReadSnapshot(path)
	assert.Error(t, err)
}
