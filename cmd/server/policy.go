package main

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/hu6789/MacroImmunet-demo/internal/sim/center"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/policy"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/simerr"
)

// parseBackends turns --policy values into backends:
//
//	noop
//	scan:<field>[:<label type>]
//	claim:<owner>[:<label type>]
func parseBackends(specs []string) ([]policy.Backend, error) {
	var out []policy.Backend
	for _, raw := range specs {
		parts := strings.Split(strings.TrimSpace(raw), ":")
		switch parts[0] {
		case "noop":
			out = append(out, policy.Noop{})
		case "scan":
			if len(parts) < 2 || parts[1] == "" {
				return nil, errors.Newf("policy %q: want scan:<field>[:<type>]", raw)
			}
			s := &policy.Scanner{Field: parts[1], Threshold: 1, TopK: 4, Cooldown: 10, Penalty: 1}
			if len(parts) > 2 {
				s.LabelType = parts[2]
			}
			out = append(out, s)
		case "claim":
			if len(parts) < 2 || parts[1] == "" {
				return nil, errors.Newf("policy %q: want claim:<owner>[:<type>]", raw)
			}
			cl := &policy.Claimer{Owner: parts[1], MinMagnitude: 1, ReleaseBelow: 0.5, MaxOwned: 4}
			if len(parts) > 2 {
				cl.LabelType = parts[2]
			}
			out = append(out, cl)
		default:
			return nil, errors.Newf("unknown policy %q", raw)
		}
	}
	return out, nil
}

func newDriver(c *center.Center, backends []policy.Backend, logger *zap.SugaredLogger) *policy.Driver {
	return policy.NewDriver(c.Submitter(), backends, policy.WithLogger(logger))
}

// runPolicies drives the backends once per opened tick against the last committed
// snapshot. A slow driver skips ticks rather than queueing them.
func runPolicies(ctx context.Context, c *center.Center, d *policy.Driver, logger *zap.SugaredLogger) {
	ready := make(chan struct{}, 1)
	c.OnStaging(func(uint64) {
		select {
		case ready <- struct{}{}:
		default:
		}
	})
	for {
		select {
		case <-ctx.Done():
			return
		case <-ready:
		}
		res, err := d.Drive(ctx, c.View())
		switch {
		case err == nil:
		case errors.Is(err, simerr.ErrPhase), errors.Is(err, context.Canceled):
			logger.Debugw("policy pass skipped", "tick", res.Tick, "error", err)
		default:
			logger.Warnw("policy pass failed", "tick", res.Tick, "error", err)
		}
	}
}
