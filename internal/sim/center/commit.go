package center

import (
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/hu6789/MacroImmunet-demo/internal/observability"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/arbiter"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/intent"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/label"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/ownership"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/simerr"
)

// Commit phases, in order. Creates and emits share a phase.
const (
	phaseField = iota
	phaseCreate
	phaseUpdate
	phaseMerge
	phaseSplit
	phaseClaim
	phaseRelease
	phasePrune
	numPhases
)

func phaseOf(k intent.Kind) int {
	switch k {
	case intent.KindFieldDelta:
		return phaseField
	case intent.KindCreateLabel, intent.KindEmitLabel:
		return phaseCreate
	case intent.KindUpdateLabel:
		return phaseUpdate
	case intent.KindMergeLabels:
		return phaseMerge
	case intent.KindSplitLabel:
		return phaseSplit
	case intent.KindClaimLabel:
		return phaseClaim
	case intent.KindReleaseLabel:
		return phaseRelease
	default:
		return phasePrune
	}
}

func keyOf(in intent.Intent) arbiter.Key {
	k := arbiter.Key{Priority: in.Priority, Seq: in.Seq}
	if t := in.Targets(); len(t) > 0 {
		k.Label = t[0]
	}
	return k
}

// txn is the working state of one Commit. reg and led are private clones of the
// previous snapshot; they become the next snapshot only if nothing fatal happens.
type txn struct {
	tick  uint64
	reg   *label.Registry
	led   *ownership.Ledger
	rep   Report
	audit []AuditEntry
}

func (t *txn) applied(in intent.Intent) {
	t.rep.Applied = append(t.rep.Applied, in.Seq)
	observability.RecordIntent(string(in.Kind), "")
}

func (t *txn) rejected(in intent.Intent, err error) {
	code := simerr.Code(err)
	t.rep.Rejected = append(t.rep.Rejected, Rejection{Seq: in.Seq, Kind: in.Kind, Code: code, Reason: err.Error(), Err: err})
	observability.RecordIntent(string(in.Kind), code)
}

// settle records the outcome of one intent. Only tick-fatal errors propagate.
func (t *txn) settle(in intent.Intent, err error) error {
	switch {
	case err == nil:
		t.applied(in)
	case simerr.Fatal(err):
		return err
	default:
		t.rejected(in, err)
	}
	return nil
}

func (c *Center) commit(tick uint64, staged []intent.Intent) (*Snapshot, *txn, error) {
	prev := c.snap.Load()

	var byPhase [numPhases][]intent.Intent
	for _, in := range staged {
		p := phaseOf(in.Kind)
		byPhase[p] = append(byPhase[p], in)
	}
	for _, batch := range byPhase {
		arbiter.Order(batch, keyOf)
	}

	t := &txn{
		tick: tick,
		rep: Report{
			Tick:     tick,
			Applied:  []uint64{},
			Rejected: []Rejection{},
			Created:  map[uint64]label.ID{},
			Split:    map[uint64][]label.ID{},
		},
	}

	// Field step: stage deltas, then diffusion, decay and deltas in one pass.
	c.fields.Begin()
	for _, in := range byPhase[phaseField] {
		f := in.Field
		t.settle(in, c.fields.Stage(f.Field, f.Region, f.Delta))
	}
	nextFields, err := c.fields.CommitStep()
	if err != nil {
		return nil, nil, errors.Wrapf(err, "tick %d field step", tick)
	}

	t.reg = prev.labels.Clone()
	t.led = prev.ownership.Clone()
	t.reg.Decay()

	steps := []struct {
		phase int
		fn    func(intent.Intent) error
	}{
		{phaseCreate, t.create},
		{phaseUpdate, t.update},
		{phaseMerge, t.merge},
		{phaseSplit, t.split},
	}
	for _, s := range steps {
		for _, in := range byPhase[s.phase] {
			if err := t.settle(in, s.fn(in)); err != nil {
				return nil, nil, err
			}
		}
	}
	if err := t.claims(byPhase[phaseClaim]); err != nil {
		return nil, nil, err
	}
	for _, in := range byPhase[phaseRelease] {
		if err := t.settle(in, t.release(in)); err != nil {
			return nil, nil, err
		}
	}
	for _, in := range byPhase[phasePrune] {
		if err := t.settle(in, t.prune(in)); err != nil {
			return nil, nil, err
		}
	}
	t.lifecycle()

	if err := t.checkInvariants(); err != nil {
		return nil, nil, errors.Wrapf(err, "tick %d", tick)
	}

	sort.Slice(t.rep.Applied, func(i, j int) bool { return t.rep.Applied[i] < t.rep.Applied[j] })
	sort.Slice(t.rep.Rejected, func(i, j int) bool { return t.rep.Rejected[i].Seq < t.rep.Rejected[j].Seq })

	next := &Snapshot{
		tick:      tick,
		fields:    nextFields,
		labels:    t.reg,
		ownership: t.led,
		nextSeq:   c.seq.Load(),
	}
	next.digest = stateDigest(tick, nextFields, t.reg, t.led)
	t.rep.Digest = next.digest
	return next, t, nil
}

func (t *txn) create(in intent.Intent) error {
	if in.Kind == intent.KindEmitLabel {
		e := in.Emit
		if target, ok := t.reg.EmitTarget(e.Type, e.Cell); ok {
			if l, _ := t.reg.Get(target); l.Owned() {
				return errors.Wrapf(simerr.ErrOwnershipConflict, "emit onto %s owned by %s", target, l.Owner)
			}
		}
		id, created, err := t.reg.Emit(e.Type, e.Cell, e.Amount, t.tick)
		if err == nil && created {
			t.rep.Created[in.Seq] = id
		}
		return err
	}
	cr := in.Create
	id, err := t.reg.Create(cr.Type, cr.Region, cr.Magnitude, cr.HalfLife, t.tick)
	if err == nil {
		t.rep.Created[in.Seq] = id
	}
	return err
}

func (t *txn) update(in intent.Intent) error {
	u := in.Update
	if _, ok := t.reg.Get(in.Label); !ok {
		return t.notFound(in.Label)
	}
	if u.State != "" {
		if err := t.reg.Transition(in.Label, u.State, t.tick); err != nil {
			return err
		}
	}
	if u.Magnitude != nil {
		return t.reg.Update(in.Label, *u.Magnitude, t.tick)
	}
	return nil
}

func (t *txn) merge(in intent.Intent) error {
	id, err := t.reg.Merge(in.Labels, t.tick)
	if err != nil {
		return err
	}
	t.rep.Created[in.Seq] = id
	for _, old := range in.Labels {
		t.led.Forget(old)
		t.audit = append(t.audit, AuditEntry{Tick: t.tick, Actor: in.Submitter, Action: "MERGE", Label: old, Successor: id})
	}
	return nil
}

func (t *txn) split(in intent.Intent) error {
	kids, err := t.reg.Split(in.Label, in.Parts, t.tick)
	if err != nil {
		return err
	}
	t.rep.Split[in.Seq] = kids
	t.led.Forget(in.Label)
	t.audit = append(t.audit, AuditEntry{Tick: t.tick, Actor: in.Submitter, Action: "SPLIT", Label: in.Label, Successor: kids[0]})
	return nil
}

// claims resolves every claim of the tick together, so the outcome does not depend on
// submission interleaving beyond the arbiter key.
func (t *txn) claims(batch []intent.Intent) error {
	bySeq := map[uint64]intent.Intent{}
	var claims []arbiter.Claim
	for _, in := range batch {
		if _, ok := t.reg.Get(in.Label); !ok {
			t.rejected(in, t.notFound(in.Label))
			continue
		}
		bySeq[in.Seq] = in
		claims = append(claims, arbiter.Claim{Key: keyOf(in), Owner: in.Owner})
	}
	for _, d := range arbiter.ResolveClaims(claims, t.led, t.tick) {
		in := bySeq[d.Claim.Seq]
		if !d.Won {
			t.rejected(in, d.Err)
			continue
		}
		if err := t.led.Claim(in.Label, in.Owner, t.tick); err != nil {
			return errors.Wrapf(simerr.ErrInvariantViolation, "arbiter winner %d refused by ledger: %v", in.Seq, err)
		}
		t.reg.SyncOwnership(in.Label, in.Owner, t.led.CooldownUntil(in.Label))
		t.applied(in)
		t.audit = append(t.audit, AuditEntry{Tick: t.tick, Actor: in.Owner, Action: "CLAIM", Label: in.Label})
	}
	return nil
}

func (t *txn) release(in intent.Intent) error {
	if _, ok := t.reg.Get(in.Label); !ok {
		return t.notFound(in.Label)
	}
	if err := t.led.Release(in.Label, in.Owner, t.tick); err != nil {
		return err
	}
	t.reg.SyncOwnership(in.Label, "", t.led.CooldownUntil(in.Label))
	t.audit = append(t.audit, AuditEntry{Tick: t.tick, Actor: in.Owner, Action: "RELEASE", Label: in.Label})
	return nil
}

func (t *txn) prune(in intent.Intent) error {
	if err := t.reg.Prune(in.Label, t.tick); err != nil {
		return err
	}
	t.led.Forget(in.Label)
	t.rep.Pruned = append(t.rep.Pruned, in.Label)
	t.audit = append(t.audit, AuditEntry{Tick: t.tick, Actor: in.Submitter, Action: "PRUNE", Label: in.Label})
	return nil
}

func (t *txn) lifecycle() {
	lc := t.reg.CommitLifecycle(t.tick)
	merged := map[label.ID]bool{}
	for _, id := range lc.Merged {
		merged[id] = true
	}
	ids := make([]label.ID, 0, len(lc.Absorbed))
	for id := range lc.Absorbed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		succ := lc.Absorbed[id]
		t.led.Forget(id)
		if merged[succ] {
			t.audit = append(t.audit, AuditEntry{Tick: t.tick, Action: "MERGE", Label: id, Successor: succ, Reason: "auto"})
		}
	}
	for _, id := range lc.Pruned {
		t.led.Forget(id)
		t.rep.Pruned = append(t.rep.Pruned, id)
		t.audit = append(t.audit, AuditEntry{Tick: t.tick, Action: "PRUNE", Label: id, Reason: "sub-threshold"})
	}
	if len(lc.Absorbed) > 0 {
		t.rep.Absorbed = lc.Absorbed
	}
}

// checkInvariants verifies the ledger and the registry agree: every owner record points
// at a live label carrying the same owner, and no unrecorded label claims an owner.
func (t *txn) checkInvariants() error {
	for _, id := range t.led.IDs() {
		r, _ := t.led.Record(id)
		if r.Owner == "" {
			continue
		}
		l, ok := t.reg.Get(id)
		if !ok {
			return errors.Wrapf(simerr.ErrInvariantViolation, "owner %s recorded for missing %s", r.Owner, id)
		}
		if l.Owner != r.Owner {
			return errors.Wrapf(simerr.ErrInvariantViolation, "%s owner mismatch: ledger %q, label %q", id, r.Owner, l.Owner)
		}
	}
	for _, l := range t.reg.List(label.Filter{}) {
		if l.Magnitude < 0 {
			return errors.Wrapf(simerr.ErrInvariantViolation, "%s negative magnitude %v", l.ID, l.Magnitude)
		}
		if !l.Owned() {
			continue
		}
		if owner, ok := t.led.Owner(l.ID); !ok || owner != l.Owner {
			return errors.Wrapf(simerr.ErrInvariantViolation, "%s claims owner %q without a ledger record", l.ID, l.Owner)
		}
	}
	return nil
}

func (t *txn) notFound(id label.ID) error {
	if succ, ok := t.reg.Successor(id); ok {
		return errors.Wrapf(simerr.ErrLabelNotFound, "%s was absorbed into %s", id, succ)
	}
	return errors.Wrapf(simerr.ErrLabelNotFound, "%s", id)
}
