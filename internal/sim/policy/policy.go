// Package policy runs decision backends against a committed view and submits
// what they decide. Backends never touch the store directly.
package policy

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hu6789/MacroImmunet-demo/internal/sim/center"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/intent"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/simerr"
)

// Backend turns one committed view into intents. Decide may be called from any
// goroutine but never concurrently for the same backend.
type Backend interface {
	Name() string
	Decide(ctx context.Context, v center.View) ([]intent.Intent, error)
}

// Noop decides nothing.
type Noop struct{}

func (Noop) Name() string { return "noop" }

func (Noop) Decide(context.Context, center.View) ([]intent.Intent, error) { return nil, nil }

// Func adapts a function to Backend.
type Func struct {
	ID string
	Fn func(ctx context.Context, v center.View) ([]intent.Intent, error)
}

func (f Func) Name() string { return f.ID }

func (f Func) Decide(ctx context.Context, v center.View) ([]intent.Intent, error) {
	return f.Fn(ctx, v)
}

// Refusal is an intent the store refused at admission.
type Refusal struct {
	Backend string
	Kind    intent.Kind
	Code    string
	Err     error
}

type Result struct {
	Tick      uint64
	Submitted map[string][]uint64
	Refused   []Refusal
}

// Driver fans one view out to every backend concurrently.
type Driver struct {
	backends []Backend
	sub      center.Submitter
	limit    int
	log      *zap.SugaredLogger
}

type DriverOption func(*Driver)

// WithConcurrency caps how many backends decide at once. 0 means no cap.
func WithConcurrency(n int) DriverOption { return func(d *Driver) { d.limit = n } }

func WithLogger(l *zap.SugaredLogger) DriverOption { return func(d *Driver) { d.log = l } }

func NewDriver(sub center.Submitter, backends []Backend, opts ...DriverOption) *Driver {
	d := &Driver{backends: backends, sub: sub, log: zap.NewNop().Sugar()}
	for _, o := range opts {
		o(d)
	}
	if len(d.backends) == 0 {
		d.backends = []Backend{Noop{}}
	}
	return d
}

// Drive runs every backend against v and submits their intents, stamped with the
// backend name as submitter. A backend error cancels the rest; admission refusals
// do not.
func (d *Driver) Drive(ctx context.Context, v center.View) (Result, error) {
	res := Result{Tick: v.Tick(), Submitted: map[string][]uint64{}}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	if d.limit > 0 {
		g.SetLimit(d.limit)
	}
	for _, b := range d.backends {
		g.Go(func() error {
			ins, err := b.Decide(gctx, v)
			if err != nil {
				return errors.Wrapf(err, "backend %s", b.Name())
			}
			var seqs []uint64
			var refused []Refusal
			for _, in := range ins {
				if in.Submitter == "" {
					in.Submitter = b.Name()
				}
				seq, err := d.sub.Submit(in)
				if err != nil {
					if errors.Is(err, simerr.ErrPhase) {
						return errors.Wrapf(err, "backend %s", b.Name())
					}
					refused = append(refused, Refusal{Backend: b.Name(), Kind: in.Kind, Code: simerr.Code(err), Err: err})
					continue
				}
				seqs = append(seqs, seq)
			}
			mu.Lock()
			res.Submitted[b.Name()] = seqs
			res.Refused = append(res.Refused, refused...)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	if len(res.Refused) > 0 {
		d.log.Debugw("intents refused at admission", "tick", res.Tick, "count", len(res.Refused))
	}
	return res, err
}
