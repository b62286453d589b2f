// Package hysteresis rate-limits label activity-state changes so labels cannot
// flap between active and inactive faster than a dwell window.
package hysteresis

import (
	"github.com/cockroachdb/errors"

	"github.com/hu6789/MacroImmunet-demo/internal/sim/label"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/simerr"
)

// Guard implements label.Gate.
type Guard struct {
	Dwell           uint64 // ticks a label stays locked after entering a state
	PruneAfterTicks int
}

var _ label.Gate = Guard{}

func (g Guard) Check(l label.Label, to label.State, tick uint64) error {
	if to == l.State {
		return nil
	}
	if tick < l.StateLockedUntil {
		return errors.Wrapf(simerr.ErrHysteresisViolation, "%s: %s -> %s locked until tick %d (now %d)",
			l.ID, l.State, to, l.StateLockedUntil, tick)
	}
	return nil
}

// CheckPrune also requires the label to have stayed under the prune threshold long enough.
func (g Guard) CheckPrune(l label.Label, tick uint64) error {
	if l.SubThresholdTicks < g.PruneAfterTicks {
		return errors.Wrapf(simerr.ErrHysteresisViolation, "%s: %d sub-threshold ticks, need %d",
			l.ID, l.SubThresholdTicks, g.PruneAfterTicks)
	}
	return g.Check(l, label.Pruned, tick)
}

func (g Guard) Approve(l *label.Label, to label.State, tick uint64) {
	l.State = to
	l.StateLockedUntil = tick + g.Dwell
}
