package policy

import (
	"context"
	"sort"

	"github.com/hu6789/MacroImmunet-demo/internal/sim/center"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/intent"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/label"
)

// Claimer acts for one owner: it holds at most MaxOwned labels of one type, claims
// the strongest free ones and releases any that fade under ReleaseBelow.
type Claimer struct {
	Owner        string
	LabelType    string
	MinMagnitude float64
	ReleaseBelow float64
	MaxOwned     int
	Priority     int
}

func (c *Claimer) Name() string { return "claim:" + c.Owner }

func (c *Claimer) Decide(_ context.Context, v center.View) ([]intent.Intent, error) {
	var out []intent.Intent
	owned := v.Labels(label.Filter{Type: c.LabelType, Owner: c.Owner})
	held := 0
	for _, l := range owned {
		if l.Magnitude < c.ReleaseBelow {
			out = append(out, intent.Intent{Kind: intent.KindReleaseLabel, Label: l.ID, Owner: c.Owner})
			continue
		}
		held++
	}

	limit := c.MaxOwned
	if limit <= 0 {
		limit = 1
	}
	if held >= limit {
		return out, nil
	}

	next := v.Tick() + 1
	free := v.Labels(label.Filter{Type: c.LabelType, State: label.Active, Unowned: true, MinMagnitude: c.MinMagnitude})
	sort.SliceStable(free, func(i, j int) bool { return free[i].Magnitude > free[j].Magnitude })
	for _, l := range free {
		if held >= limit {
			break
		}
		if l.CooldownUntil > next {
			continue
		}
		out = append(out, intent.Intent{Kind: intent.KindClaimLabel, Label: l.ID, Owner: c.Owner, Priority: c.Priority})
		held++
	}
	return out, nil
}
