package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	persistlog "github.com/hu6789/MacroImmunet-demo/internal/persistence/log"
	"github.com/hu6789/MacroImmunet-demo/internal/persistence/replay"
	"github.com/hu6789/MacroImmunet-demo/internal/persistence/snapshot"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/center"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/tuning"
)

type rewindFlags struct {
	store      string
	toTick     uint64
	out        string
	tuningPath string
}

// newRewindCmd rebuilds the committed state of a past tick from the nearest
// earlier snapshot plus the tick log and writes it as a new snapshot. The
// output goes outside snapshots/ unless --out says otherwise, so a restarted
// server does not pick it up by accident.
func newRewindCmd(out io.Writer, dataDir *string) *cobra.Command {
	var f rewindFlags
	cmd := &cobra.Command{
		Use:   "rewind",
		Short: "Rebuild a snapshot of a past tick from snapshots and the tick log",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(f.store) == "" {
				return errors.New("missing --store")
			}
			if f.toTick == 0 {
				return errors.New("missing --to-tick")
			}
			storeDir := filepath.Join(*dataDir, f.store)

			start, err := startSnapshot(storeDir, f.toTick)
			if err != nil {
				return err
			}
			var c *center.Center
			if start != "" {
				snap, err := snapshot.ReadSnapshot(start)
				if err != nil {
					return errors.Wrap(err, "read snapshot")
				}
				if c, err = center.Restore(snap, 0); err != nil {
					return errors.Wrap(err, "restore")
				}
			} else {
				tune, err := tuning.Load(f.tuningPath)
				if err != nil {
					return errors.Wrap(err, "load tuning")
				}
				if tune.StoreID != f.store {
					return errors.Newf("store id mismatch: tuning=%q want=%q", tune.StoreID, f.store)
				}
				cfg := tune.Center()
				cfg.SnapshotEveryTicks = 0
				if c, err = center.New(cfg); err != nil {
					return err
				}
			}

			if c.Snapshot().Tick() < f.toTick {
				if _, err := replay.Run(cmd.Context(), c, persistlog.EventsDir(storeDir), replay.Options{ToTick: f.toTick}); err != nil {
					return err
				}
			}
			final := c.Snapshot()
			if final.Tick() != f.toTick {
				return errors.Newf("tick log ends at %d, before %d", final.Tick(), f.toTick)
			}

			dst := f.out
			if dst == "" {
				dst = snapshot.PathForTick(filepath.Join(storeDir, "rewind"), f.toTick)
			}
			if err := snapshot.WriteSnapshot(dst, c.ExportSnapshot(final)); err != nil {
				return err
			}
			fmt.Fprintf(out, "rewind ok: store=%s tick=%d digest=%s from=%s out=%s\n",
				f.store, final.Tick(), final.Digest(), fromName(start), dst)
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.store, "store", "", "store id")
	fl.Uint64Var(&f.toTick, "to-tick", 0, "tick to rebuild")
	fl.StringVar(&f.out, "out", "", "output snapshot path (default <data>/<store>/rewind/)")
	fl.StringVar(&f.tuningPath, "tuning", "", "tuning file for a genesis start when no snapshot precedes --to-tick")
	return cmd
}

// startSnapshot picks the newest snapshot at or before tick, looking in the resume
// directory and in every epoch archive.
func startSnapshot(storeDir string, tick uint64) (string, error) {
	dirs := []string{filepath.Join(storeDir, "snapshots")}
	epochs, err := filepath.Glob(filepath.Join(storeDir, "archives", "epoch_*"))
	if err != nil {
		return "", err
	}
	dirs = append(dirs, epochs...)

	var best string
	var bestTick uint64
	for _, d := range dirs {
		p, err := snapshot.LatestAtOrBefore(d, tick)
		if err != nil {
			return "", err
		}
		if p == "" {
			continue
		}
		h, err := snapshot.ReadHeader(p)
		if err != nil {
			continue
		}
		if best == "" || h.Tick > bestTick {
			best, bestTick = p, h.Tick
		}
	}
	return best, nil
}

func fromName(path string) string {
	if path == "" {
		return "genesis"
	}
	return filepath.Base(path)
}
