package indexdb

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hu6789/MacroImmunet-demo/internal/persistence/snapshot"
	"github.com/hu6789/MacroImmunet-demo/internal/protocol"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/center"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/tuning"
)

func TestSQLiteIndex_WritesTicksAuditsAndSnapshots(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "index", "labelcenter.sqlite")

	idx, err := OpenSQLite(dbPath)
	require.NoError(t, err)

	require.NoError(t, idx.WriteTick(center.TickLogEntry{
		Tick: 7,
		Intents: []center.RecordedIntent{
			{Seq: 3, Submitter: "tcell-1", Intent: protocol.IntentMsg{Kind: "claim-label", Label: 4, Owner: "tcell-1"}},
			{Seq: 4, Submitter: "tcell-2", Intent: protocol.IntentMsg{Kind: "claim-label", Label: 4, Owner: "tcell-2"}},
		},
		Report: protocol.ReportMsg{
			Tick:     7,
			Applied:  []uint64{3},
			Rejected: []protocol.RejectionMsg{{Seq: 4, Kind: "claim-label", Code: protocol.ErrConflict, Reason: "label L4 claimed by tcell-1"}},
			Digest:   "abc",
		},
		Digest: "abc",
	}))
	require.NoError(t, idx.WriteAudit(center.AuditEntry{Tick: 7, Actor: "tcell-1", Action: "CLAIM", Label: 4}))
	require.NoError(t, idx.WriteAudit(center.AuditEntry{Tick: 7, Action: "MERGE", Label: 2, Successor: 9}))
	idx.RecordSnapshot("/data/snapshots/7.snap.zst", snapshot.SnapshotV1{
		Header:    snapshot.Header{Version: snapshot.Version, StoreID: "lc", Tick: 7, Digest: "abc"},
		Labels:    []snapshot.LabelV1{{ID: 4}, {ID: 9}},
		Ownership: []snapshot.OwnershipV1{{Label: 4, Owner: "tcell-1"}, {Label: 2, CooldownUntil: 9}},
		Fields:    []snapshot.FieldV1{{Name: "antigen"}},
	})
	require.NoError(t, idx.UpsertTuning(tuning.Defaults()))
	require.NoError(t, idx.Close())

	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	defer db.Close()

	var digest string
	var intents, applied, rejected int
	require.NoError(t, db.QueryRow(`SELECT digest,intents,applied,rejected FROM ticks WHERE tick=7`).Scan(&digest, &intents, &applied, &rejected))
	assert.Equal(t, "abc", digest)
	assert.Equal(t, []int{2, 1, 1}, []int{intents, applied, rejected})

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM intents WHERE label=4 AND kind='claim-label'`).Scan(&n))
	assert.Equal(t, 2, n)

	var code string
	require.NoError(t, db.QueryRow(`SELECT code FROM rejections WHERE tick=7 AND seq=4`).Scan(&code))
	assert.Equal(t, protocol.ErrConflict, code)

	var succ int64
	var seq int
	require.NoError(t, db.QueryRow(`SELECT seq,successor FROM audits WHERE action='MERGE'`).Scan(&seq, &succ))
	assert.Equal(t, 1, seq, "audit seq restarts per tick")
	assert.Equal(t, int64(9), succ)

	var labels, owned int
	require.NoError(t, db.QueryRow(`SELECT labels,owned FROM snapshots WHERE tick=7`).Scan(&labels, &owned))
	assert.Equal(t, 2, labels)
	assert.Equal(t, 1, owned)

	var storeID string
	require.NoError(t, db.QueryRow(`SELECT value FROM meta WHERE key='store_id'`).Scan(&storeID))
	assert.Equal(t, tuning.Defaults().StoreID, storeID)
}

func TestSQLiteIndex_DropsWhenQueueFull(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	require.NoError(t, s.WriteTick(center.TickLogEntry{Tick: 1}))
	require.NoError(t, s.WriteTick(center.TickLogEntry{Tick: 2}))
	assert.Equal(t, uint64(1), s.Dropped())
}

func TestSQLiteIndex_NilAndClosedAreNoops(t *testing.T) {
	var s *SQLiteIndex
	assert.NoError(t, s.WriteTick(center.TickLogEntry{Tick: 1}))
	assert.NoError(t, s.UpsertTuning(tuning.Defaults()))

	idx, err := OpenSQLite(filepath.Join(t.TempDir(), "x.sqlite"))
	require.NoError(t, err)
	require.NoError(t, idx.Close())
	assert.NoError(t, idx.WriteAudit(center.AuditEntry{Tick: 1, Action: "CLAIM"}))
	assert.NoError(t, idx.Close())
}

func TestOpenSQLite_EmptyPath(t *testing.T) {
	_, err := OpenSQLite("")
	assert.Error(t, err)
}
