package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/hu6789/MacroImmunet-demo/internal/logging"
	"github.com/hu6789/MacroImmunet-demo/internal/persistence/replay"
	"github.com/hu6789/MacroImmunet-demo/internal/persistence/snapshot"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/center"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/tuning"
)

type replayFlags struct {
	snapPath   string
	eventsDir  string
	tuningPath string
	toTick     uint64
	keepGoing  bool
	logLevel   string
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	var f replayFlags
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-run a tick log and verify every committed digest",
		Long: `Re-run a tick log against a store and verify every committed digest.

The store starts from --snapshot, or from genesis built from --tuning when no
snapshot is given. Log entries at or before the start tick are skipped.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logging.Initialize(false, f.logLevel)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd.Context(), out, f)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.snapPath, "snapshot", "", "snapshot to start from (.snap.zst)")
	fl.StringVar(&f.eventsDir, "events", "", "directory containing events-*.jsonl.zst")
	fl.StringVar(&f.tuningPath, "tuning", "", "tuning file for a genesis start (default: built-in defaults)")
	fl.Uint64Var(&f.toTick, "to-tick", 0, "stop after this tick (0 = end of log)")
	fl.BoolVar(&f.keepGoing, "continue", false, "keep replaying after a digest mismatch")
	cmd.PersistentFlags().StringVar(&f.logLevel, "log-level", "warn", "log level")
	_ = cmd.MarkFlagRequired("events")

	cmd.AddCommand(newInspectCmd(out))
	return cmd
}

func newInspectCmd(out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <snapshot>",
		Short: "Print a snapshot summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := snapshot.ReadSnapshot(args[0])
			if err != nil {
				return errors.Wrap(err, "read snapshot")
			}
			owned := 0
			for _, o := range snap.Ownership {
				if o.Owner != "" {
					owned++
				}
			}
			fmt.Fprintf(out, "snapshot v%d store=%s tick=%d digest=%s grid=%dx%d fields=%d labels=%d owned=%d successors=%d next_label=%d next_seq=%d\n",
				snap.Header.Version, snap.Header.StoreID, snap.Header.Tick, snap.Header.Digest, snap.GridW, snap.GridH,
				len(snap.Fields), len(snap.Labels), owned, len(snap.Successors), snap.Counters.NextLabelID, snap.Counters.NextSeq)
			return nil
		},
	}
}

func runReplay(ctx context.Context, out io.Writer, f replayFlags) error {
	log := logging.Logger.Named("replay")
	opts := []center.Option{center.WithLogger(log)}

	var c *center.Center
	if f.snapPath != "" {
		snap, err := snapshot.ReadSnapshot(f.snapPath)
		if err != nil {
			return errors.Wrap(err, "read snapshot")
		}
		c, err = center.Restore(snap, 0, opts...)
		if err != nil {
			return errors.Wrap(err, "restore")
		}
	} else {
		tune, err := tuning.Load(f.tuningPath)
		if err != nil {
			return errors.Wrap(err, "load tuning")
		}
		cfg := tune.Center()
		cfg.SnapshotEveryTicks = 0
		c, err = center.New(cfg, opts...)
		if err != nil {
			return err
		}
	}

	res, err := replay.Run(ctx, c, f.eventsDir, replay.Options{ToTick: f.toTick, ContinueOnMismatch: f.keepGoing})
	for _, m := range res.Mismatches {
		fmt.Fprintf(out, "mismatch tick=%d want=%s got=%s\n", m.Tick, m.Want, m.Got)
	}
	if err != nil {
		return err
	}
	if res.Ticks == 0 {
		return errors.Newf("no ticks after %d found in %s", res.FromTick, f.eventsDir)
	}
	fmt.Fprintf(out, "replay ok: checked=%d ticks intents=%d from=%d to=%d digest=%s\n",
		res.Ticks, res.Intents, res.FromTick, res.LastTick, c.Snapshot().Digest())
	return nil
}
