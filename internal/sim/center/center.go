// Package center is the Label Center: the single-writer, tick-bounded transactional
// store that is the only source of truth for fields, labels and ownership.
//
// Collaborators read an immutable committed Snapshot and submit intents while the
// store is Staging. Commit replays the staged intents in a fixed phase order through
// the arbiter and the hysteresis guard and atomically publishes the next Snapshot.
// A tick-fatal error publishes nothing and leaves the previous Snapshot authoritative.
package center

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/hu6789/MacroImmunet-demo/internal/observability"
	"github.com/hu6789/MacroImmunet-demo/internal/persistence/snapshot"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/field"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/grid"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/hysteresis"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/intent"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/label"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/ownership"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/simerr"
)

type Config struct {
	StoreID    string
	Dims       grid.Dims
	Fields     []field.Spec
	Epsilon    float64
	TickRateHz int

	MergeDistance   float64
	PruneThreshold  float64
	PruneAfterTicks int
	DefaultHalfLife float64
	// 0 leaves the live label set unbounded.
	MaxLiveLabels int

	CooldownTicks uint64
	DwellTicks    uint64

	// 0 disables periodic snapshots.
	SnapshotEveryTicks uint64
}

func (c Config) labelConfig() label.Config {
	return label.Config{
		Dims:            c.Dims,
		MergeDistance:   c.MergeDistance,
		PruneThreshold:  c.PruneThreshold,
		PruneAfterTicks: c.PruneAfterTicks,
		DefaultHalfLife: c.DefaultHalfLife,
		MaxLive:         c.MaxLiveLabels,
	}
}

func (c Config) guard() hysteresis.Guard {
	return hysteresis.Guard{Dwell: c.DwellTicks, PruneAfterTicks: c.PruneAfterTicks}
}

// Phase is the committer state.
type Phase int

const (
	Idle Phase = iota
	Staging
	Committing
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Staging:
		return "staging"
	case Committing:
		return "committing"
	}
	return "unknown"
}

// Submitter is the write handle given to collaborators.
type Submitter interface {
	Submit(in intent.Intent) (uint64, error)
}

type Option func(*Center)

func WithLogger(l *zap.SugaredLogger) Option { return func(c *Center) { c.log = l } }

func WithTickLogger(l TickLogger) Option { return func(c *Center) { c.tickLogger = l } }

func WithAuditLogger(l AuditLogger) Option { return func(c *Center) { c.auditLogger = l } }

// WithSnapshotSink receives an export every SnapshotEveryTicks commits. Sends never block;
// a backed-up sink drops the snapshot.
func WithSnapshotSink(ch chan<- snapshot.SnapshotV1) Option {
	return func(c *Center) { c.snapshotSink = ch }
}

type Center struct {
	cfg   Config
	log   *zap.SugaredLogger
	guard hysteresis.Guard

	commitMu sync.Mutex

	mu     sync.Mutex
	phase  Phase
	tick   uint64
	staged []intent.Intent

	seq  atomic.Uint64
	snap atomic.Pointer[Snapshot]

	// Committer only.
	fields *field.Store

	tickLogger   TickLogger
	auditLogger  AuditLogger
	snapshotSink chan<- snapshot.SnapshotV1

	sinkMu  sync.Mutex
	sinks   []func(Report)
	opening []func(tick uint64)

	stop     chan struct{}
	stopOnce sync.Once
}

// New builds a store at genesis: tick 0, every field at its initial value, no labels.
func New(cfg Config, opts ...Option) (*Center, error) {
	set, err := field.NewSet(cfg.Dims, cfg.Fields)
	if err != nil {
		return nil, err
	}
	guard := cfg.guard()
	reg := label.NewRegistry(cfg.labelConfig(), guard)
	led := ownership.NewLedger(cfg.CooldownTicks)
	return newCenter(cfg, guard, 0, set, reg, led, 0, opts)
}

func newCenter(cfg Config, guard hysteresis.Guard, tick uint64, set *field.Set, reg *label.Registry, led *ownership.Ledger, seq uint64, opts []Option) (*Center, error) {
	if cfg.TickRateHz <= 0 {
		return nil, simerr.Validationf("tick_rate_hz %d", cfg.TickRateHz)
	}
	if cfg.PruneAfterTicks <= 0 {
		return nil, simerr.Validationf("prune_after_ticks %d", cfg.PruneAfterTicks)
	}
	c := &Center{
		cfg:    cfg,
		log:    zap.NewNop().Sugar(),
		guard:  guard,
		fields: field.NewStore(set, cfg.Epsilon),
		stop:   make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.seq.Store(seq)
	s := &Snapshot{tick: tick, fields: set, labels: reg, ownership: led, nextSeq: seq}
	s.digest = stateDigest(tick, set, reg, led)
	c.snap.Store(s)
	return c, nil
}

func (c *Center) Config() Config { return c.cfg }

// Snapshot returns the last committed tick.
func (c *Center) Snapshot() *Snapshot { return c.snap.Load() }

func (c *Center) View() View { return c.snap.Load() }

func (c *Center) Submitter() Submitter { return c }

func (c *Center) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// OnReport registers fn to receive the Report of every tick, committed or aborted.
// fn runs on the committer goroutine and must not block.
func (c *Center) OnReport(fn func(Report)) {
	c.sinkMu.Lock()
	defer c.sinkMu.Unlock()
	c.sinks = append(c.sinks, fn)
}

// OnStaging registers fn to run each time a tick opens for submissions. fn runs on
// the goroutine that called BeginTick and must not block.
func (c *Center) OnStaging(fn func(tick uint64)) {
	c.sinkMu.Lock()
	defer c.sinkMu.Unlock()
	c.opening = append(c.opening, fn)
}

// BeginTick opens the staging buffer for the tick after the last committed one.
func (c *Center) BeginTick() (uint64, error) {
	c.mu.Lock()
	if c.phase != Idle {
		p := c.phase
		c.mu.Unlock()
		return 0, errors.Wrapf(simerr.ErrPhase, "begin tick while %s", p)
	}
	c.tick = c.snap.Load().tick + 1
	c.staged = nil
	c.phase = Staging
	tick := c.tick
	c.mu.Unlock()

	c.sinkMu.Lock()
	hooks := append([]func(uint64){}, c.opening...)
	c.sinkMu.Unlock()
	for _, fn := range hooks {
		fn(tick)
	}
	return tick, nil
}

// Submit admits in for the open tick and returns its sequence number. Structural
// problems are rejected here; everything else is decided at Commit.
// Safe for concurrent use.
func (c *Center) Submit(in intent.Intent) (uint64, error) {
	seq, _, err := c.Admit(in)
	return seq, err
}

// Admit is Submit that also returns the tick the intent was staged for.
func (c *Center) Admit(in intent.Intent) (seq, tick uint64, err error) {
	seq, tick, err = c.admit(in)
	if err != nil {
		observability.RecordIntent(string(in.Kind), simerr.Code(err))
	}
	return seq, tick, err
}

func (c *Center) admit(in intent.Intent) (uint64, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != Staging {
		return 0, 0, errors.Wrapf(simerr.ErrPhase, "submit while %s", c.phase)
	}
	snap := c.snap.Load()
	if err := in.Validate(snap.Dims()); err != nil {
		return 0, 0, err
	}
	if in.Kind == intent.KindFieldDelta {
		if _, ok := snap.fields.Grid(in.Field.Field); !ok {
			return 0, 0, simerr.Validationf("unknown field %q", in.Field.Field)
		}
	}
	cp := in.Clone()
	cp.Seq = c.seq.Add(1)
	cp.Tick = c.tick
	c.staged = append(c.staged, cp)
	return cp.Seq, c.tick, nil
}

// Discard drops the open tick without committing.
func (c *Center) Discard() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == Staging {
		c.phase = Idle
		c.staged = nil
	}
}

// Commit closes staging and commits the tick. On a tick-fatal error no snapshot is
// published and the tick number does not advance; the staged intents are dropped and
// the returned Report, also sent to the OnReport sinks, rejects each of them with
// the cause.
func (c *Center) Commit(ctx context.Context) (Report, error) {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	c.mu.Lock()
	if c.phase != Staging {
		p := c.phase
		c.mu.Unlock()
		return Report{}, errors.Wrapf(simerr.ErrPhase, "commit while %s", p)
	}
	c.phase = Committing
	tick, staged := c.tick, c.staged
	c.staged = nil
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.phase = Idle
		c.mu.Unlock()
	}()

	start := time.Now()
	if err := ctx.Err(); err != nil {
		return c.abort(tick, staged, start, errors.Wrapf(err, "commit tick %d", tick))
	}

	next, t, err := c.commit(tick, staged)
	if err != nil {
		c.fields.Discard()
		return c.abort(tick, staged, start, err)
	}

	c.fields.Publish(next.fields)
	c.snap.Store(next)

	dur := time.Since(start)
	observability.RecordCommit(tick, dur, next.LabelCount(), next.OwnedCount())
	c.log.Debugw("tick committed",
		"tick", tick,
		"applied", len(t.rep.Applied),
		"rejected", len(t.rep.Rejected),
		"labels", next.LabelCount(),
		"duration", dur,
	)

	c.publish(next, staged, t)
	return t.rep, nil
}

// Step runs one full tick: BeginTick, Submit each intent, Commit. Intents refused at
// admission appear in the report as rejections with Seq 0.
func (c *Center) Step(ctx context.Context, intents []intent.Intent) (Report, error) {
	if _, err := c.BeginTick(); err != nil {
		return Report{}, err
	}
	var refused []Rejection
	for _, in := range intents {
		if _, err := c.Submit(in); err != nil {
			refused = append(refused, Rejection{Kind: in.Kind, Code: simerr.Code(err), Reason: err.Error(), Err: err})
		}
	}
	rep, err := c.Commit(ctx)
	rep.Rejected = append(refused, rep.Rejected...)
	return rep, err
}

// Run commits one tick per 1/TickRateHz until ctx is done or Stop is called.
// Collaborators may submit at any time outside the short commit window.
func (c *Center) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(c.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer c.Discard()

	if _, err := c.BeginTick(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stop:
			return nil
		case <-ticker.C:
			if _, err := c.Commit(ctx); err != nil {
				if !simerr.Fatal(err) {
					return err
				}
				// The previous snapshot stays authoritative; keep ticking.
			}
			if _, err := c.BeginTick(); err != nil {
				return err
			}
		}
	}
}

func (c *Center) Stop() { c.stopOnce.Do(func() { close(c.stop) }) }

// abort rejects every staged intent with cause and reports the tick as aborted.
// The digest stays that of the last committed tick.
func (c *Center) abort(tick uint64, staged []intent.Intent, start time.Time, cause error) (Report, error) {
	observability.RecordAbort(time.Since(start))
	c.log.Errorw("commit aborted", "tick", tick, "intents", len(staged), "error", cause)

	code := simerr.Code(cause)
	rep := Report{
		Tick:     tick,
		Aborted:  true,
		Applied:  []uint64{},
		Rejected: make([]Rejection, 0, len(staged)),
		Digest:   c.snap.Load().digest,
	}
	for _, in := range staged {
		rep.Rejected = append(rep.Rejected, Rejection{Seq: in.Seq, Kind: in.Kind, Code: code, Reason: cause.Error(), Err: cause})
		observability.RecordIntent(string(in.Kind), code)
	}
	c.notify(rep)
	return rep, cause
}

func (c *Center) notify(rep Report) {
	c.sinkMu.Lock()
	sinks := append([]func(Report){}, c.sinks...)
	c.sinkMu.Unlock()
	for _, fn := range sinks {
		fn(rep)
	}
}

func (c *Center) publish(next *Snapshot, staged []intent.Intent, t *txn) {
	if c.tickLogger != nil {
		entry := TickLogEntry{Tick: next.tick, Report: t.rep.ToMsg(), Digest: next.digest}
		for _, in := range staged {
			entry.Intents = append(entry.Intents, RecordedIntent{Seq: in.Seq, Submitter: in.Submitter, Intent: intent.ToMsg(in)})
		}
		if err := c.tickLogger.WriteTick(entry); err != nil {
			c.log.Warnw("tick log write failed", "tick", next.tick, "error", err)
		}
	}
	if c.auditLogger != nil {
		for _, a := range t.audit {
			if err := c.auditLogger.WriteAudit(a); err != nil {
				c.log.Warnw("audit log write failed", "tick", next.tick, "error", err)
				break
			}
		}
	}
	if c.snapshotSink != nil && c.cfg.SnapshotEveryTicks > 0 && next.tick%c.cfg.SnapshotEveryTicks == 0 {
		select {
		case c.snapshotSink <- c.ExportSnapshot(next):
		default:
			c.log.Warnw("snapshot sink full, dropping snapshot", "tick", next.tick)
		}
	}

	c.notify(t.rep)
}
