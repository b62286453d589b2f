// Package replay re-executes a tick log against a store and checks every digest.
package replay

import (
	"context"
	"sort"

	"github.com/cockroachdb/errors"

	persistlog "github.com/hu6789/MacroImmunet-demo/internal/persistence/log"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/center"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/intent"
)

// ErrDigestMismatch means the replayed state diverged from the recorded one.
var ErrDigestMismatch = errors.New("digest mismatch")

type Options struct {
	// Stop after this tick; 0 replays everything.
	ToTick uint64
	// Keep going after a mismatch and report it in Result.
	ContinueOnMismatch bool
}

type Mismatch struct {
	Tick uint64
	Want string
	Got  string
}

type Result struct {
	FromTick   uint64
	LastTick   uint64
	Ticks      int
	Intents    int
	Mismatches []Mismatch
}

// Entry replays one logged tick on c. The entry must be the tick right after c's.
func Entry(ctx context.Context, c *center.Center, e center.TickLogEntry) (center.Report, error) {
	cur := c.Snapshot().Tick()
	if e.Tick != cur+1 {
		return center.Report{}, errors.Newf("tick log gap: store at %d, entry for %d", cur, e.Tick)
	}
	recs := append([]center.RecordedIntent(nil), e.Intents...)
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Seq < recs[j].Seq })

	ins := make([]intent.Intent, 0, len(recs))
	for _, r := range recs {
		in, err := intent.FromMsg(r.Intent, r.Submitter)
		if err != nil {
			return center.Report{}, errors.Wrapf(err, "tick %d seq %d", e.Tick, r.Seq)
		}
		ins = append(ins, in)
	}
	rep, err := c.Step(ctx, ins)
	if err != nil {
		return rep, errors.Wrapf(err, "replay tick %d", e.Tick)
	}
	return rep, nil
}

// Run reads every tick log in eventsDir and replays the entries after c's tick.
func Run(ctx context.Context, c *center.Center, eventsDir string, opts Options) (Result, error) {
	res := Result{FromTick: c.Snapshot().Tick()}
	var failure error
	err := persistlog.ReadTickLog(eventsDir, func(e center.TickLogEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.Tick <= c.Snapshot().Tick() {
			return nil
		}
		if opts.ToTick > 0 && e.Tick > opts.ToTick {
			return persistlog.ErrStop
		}
		rep, err := Entry(ctx, c, e)
		if err != nil {
			return err
		}
		res.Ticks++
		res.Intents += len(e.Intents)
		res.LastTick = e.Tick
		if rep.Digest != e.Digest {
			m := Mismatch{Tick: e.Tick, Want: e.Digest, Got: rep.Digest}
			res.Mismatches = append(res.Mismatches, m)
			if !opts.ContinueOnMismatch {
				failure = errors.Wrapf(ErrDigestMismatch, "tick %d: want %s got %s", m.Tick, m.Want, m.Got)
				return persistlog.ErrStop
			}
		}
		return nil
	})
	if err != nil {
		return res, err
	}
	if failure == nil && len(res.Mismatches) > 0 {
		failure = errors.Wrapf(ErrDigestMismatch, "%d ticks diverged, first at %d", len(res.Mismatches), res.Mismatches[0].Tick)
	}
	return res, failure
}
