package log

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hu6789/MacroImmunet-demo/internal/protocol"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/center"
)

func TestTickLogRoundTripAcrossRotation(t *testing.T) {
	dir := t.TempDir()
	tl := NewTickLogger(dir)
	clock := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	tl.w.now = func() time.Time { return clock }

	for tick := uint64(1); tick <= 4; tick++ {
		if tick == 3 {
			clock = clock.Add(2 * time.Minute)
		}
		require.NoError(t, tl.WriteTick(center.TickLogEntry{
			Tick:    tick,
			Intents: []center.RecordedIntent{{Seq: tick, Intent: protocol.IntentMsg{Kind: "prune-label", Label: tick}}},
			Digest:  "d",
		}))
	}
	require.NoError(t, tl.Close())

	files, err := ListEventFiles(EventsDir(dir))
	require.NoError(t, err)
	require.Len(t, files, 2)

	var ticks []uint64
	require.NoError(t, ReadTickLog(EventsDir(dir), func(e center.TickLogEntry) error {
		ticks = append(ticks, e.Tick)
		return nil
	}))
	assert.Equal(t, []uint64{1, 2, 3, 4}, ticks)

	ticks = nil
	require.NoError(t, ReadTickLog(EventsDir(dir), func(e center.TickLogEntry) error {
		if e.Tick == 2 {
			return ErrStop
		}
		ticks = append(ticks, e.Tick)
		return nil
	}))
	assert.Equal(t, []uint64{1}, ticks)
}

func TestAuditLoggerWrites(t *testing.T) {
	dir := t.TempDir()
	al := NewAuditLogger(dir)
	require.NoError(t, al.WriteAudit(center.AuditEntry{Tick: 1, Action: "CLAIM", Label: 3, Actor: "A"}))
	require.NoError(t, al.Close())
	assert.DirExists(t, dir+"/audit")
}
