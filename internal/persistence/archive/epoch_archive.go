// Package archive keeps long-term copies of selected snapshots and bounds how many
// recent snapshots stay in the resume directory.
package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hu6789/MacroImmunet-demo/internal/persistence/snapshot"
)

type EpochArchiveMeta struct {
	Epoch      int    `json:"epoch"`
	StoreID    string `json:"store_id"`
	Tick       uint64 `json:"tick"`
	Digest     string `json:"digest"`
	Snapshot   string `json:"snapshot"`
	CreatedAt  string `json:"created_at"`
	EpochTicks uint64 `json:"epoch_ticks"`
	Labels     int    `json:"labels"`
	Owned      int    `json:"owned"`
}

// ArchiveEpochSnapshot copies a snapshot taken on an epoch boundary (a non-zero
// multiple of epochTicks) into `storeDir/archives/epoch_<NNN>/`.
// It returns (epoch, archivedPath, archived=true) when the snapshot was archived.
func ArchiveEpochSnapshot(storeDir, snapshotPath string, snap snapshot.SnapshotV1, epochTicks uint64) (epoch int, archivedPath string, archived bool, err error) {
	if epochTicks == 0 || snap.Header.Tick == 0 || snap.Header.Tick%epochTicks != 0 {
		return 0, "", false, nil
	}
	epoch = int(snap.Header.Tick / epochTicks)

	archiveDir := filepath.Join(storeDir, "archives", fmt.Sprintf("epoch_%03d", epoch))
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return 0, "", false, err
	}

	dst := filepath.Join(archiveDir, filepath.Base(snapshotPath))
	if err := copyFile(snapshotPath, dst); err != nil {
		return 0, "", false, err
	}

	owned := 0
	for _, o := range snap.Ownership {
		if o.Owner != "" {
			owned++
		}
	}
	meta := EpochArchiveMeta{
		Epoch:      epoch,
		StoreID:    snap.Header.StoreID,
		Tick:       snap.Header.Tick,
		Digest:     snap.Header.Digest,
		Snapshot:   filepath.Base(dst),
		CreatedAt:  time.Now().UTC().Format(time.RFC3339Nano),
		EpochTicks: epochTicks,
		Labels:     len(snap.Labels),
		Owned:      owned,
	}
	if b, err := json.MarshalIndent(meta, "", "  "); err == nil {
		_ = os.WriteFile(filepath.Join(archiveDir, "meta.json"), b, 0o644)
	}

	return epoch, dst, true, nil
}

// PruneSnapshots removes all but the newest keep snapshots in dir, ordered by the
// tick in their header. keep <= 0 keeps everything. Unreadable files are left alone.
func PruneSnapshots(dir string, keep int) ([]string, error) {
	if keep <= 0 {
		return nil, nil
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.snap.zst"))
	if err != nil {
		return nil, err
	}
	type entry struct {
		path string
		tick uint64
	}
	var all []entry
	for _, m := range matches {
		h, err := snapshot.ReadHeader(m)
		if err != nil {
			continue
		}
		all = append(all, entry{m, h.Tick})
	}
	if len(all) <= keep {
		return nil, nil
	}
	sort.Slice(all, func(i, j int) bool { return all[i].tick > all[j].tick })

	var removed []string
	for _, e := range all[keep:] {
		if err := os.Remove(e.path); err != nil {
			return removed, err
		}
		removed = append(removed, e.path)
	}
	return removed, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
