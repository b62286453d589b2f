package center

import (
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/hu6789/MacroImmunet-demo/internal/persistence/snapshot"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/field"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/grid"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/label"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/ownership"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/simerr"
)

// ExportSnapshot serializes s exactly: fields, labels with their timers, successors,
// ownership records and counters.
func (c *Center) ExportSnapshot(s *Snapshot) snapshot.SnapshotV1 {
	cfg := c.cfg
	out := snapshot.SnapshotV1{
		Header: snapshot.Header{Version: snapshot.Version, StoreID: cfg.StoreID, Tick: s.tick, Digest: s.digest},
		GridW:  cfg.Dims.W,
		GridH:  cfg.Dims.H,
		Params: snapshot.ParamsV1{
			TickRateHz:      cfg.TickRateHz,
			Epsilon:         cfg.Epsilon,
			MergeDistance:   cfg.MergeDistance,
			PruneThreshold:  cfg.PruneThreshold,
			PruneAfterTicks: cfg.PruneAfterTicks,
			DefaultHalfLife: cfg.DefaultHalfLife,
			MaxLiveLabels:   cfg.MaxLiveLabels,
			CooldownTicks:   cfg.CooldownTicks,
			DwellTicks:      cfg.DwellTicks,
		},
		Counters: snapshot.CountersV1{NextLabelID: s.labels.NextID(), NextSeq: s.nextSeq},
	}
	for _, name := range s.fields.Names() {
		g, _ := s.fields.Grid(name)
		sp := g.Spec()
		out.Fields = append(out.Fields, snapshot.FieldV1{
			Name: sp.Name, HalfLife: sp.HalfLife, Diffusion: sp.Diffusion, Initial: sp.Initial, Values: g.Values(),
		})
	}
	for _, l := range s.labels.List(label.Filter{}) {
		out.Labels = append(out.Labels, snapshot.LabelV1{
			ID:                uint64(l.ID),
			Type:              l.Type,
			Region:            l.Region.Array(),
			Centroid:          [2]float64{l.Centroid.X, l.Centroid.Y},
			Magnitude:         l.Magnitude,
			HalfLife:          l.HalfLife,
			CreatedTick:       l.CreatedTick,
			UpdatedTick:       l.UpdatedTick,
			State:             string(l.State),
			StateLockedUntil:  l.StateLockedUntil,
			Owner:             l.Owner,
			CooldownUntil:     l.CooldownUntil,
			SubThresholdTicks: l.SubThresholdTicks,
			PruneCandidate:    l.PruneCandidate,
		})
	}
	succ := s.labels.Successors()
	for id, next := range succ {
		out.Successors = append(out.Successors, snapshot.SuccessorV1{ID: uint64(id), Successor: uint64(next)})
	}
	sort.Slice(out.Successors, func(i, j int) bool { return out.Successors[i].ID < out.Successors[j].ID })
	for _, id := range s.ownership.IDs() {
		r, _ := s.ownership.Record(id)
		out.Ownership = append(out.Ownership, snapshot.OwnershipV1{
			Label: uint64(id), Owner: r.Owner, ClaimTick: r.ClaimTick, CooldownUntil: r.CooldownUntil,
		})
	}
	return out
}

// ConfigFromSnapshot recovers the parameters a snapshot was committed under.
func ConfigFromSnapshot(snap snapshot.SnapshotV1) Config {
	p := snap.Params
	cfg := Config{
		StoreID:         snap.Header.StoreID,
		Dims:            grid.Dims{W: snap.GridW, H: snap.GridH},
		Epsilon:         p.Epsilon,
		TickRateHz:      p.TickRateHz,
		MergeDistance:   p.MergeDistance,
		PruneThreshold:  p.PruneThreshold,
		PruneAfterTicks: p.PruneAfterTicks,
		DefaultHalfLife: p.DefaultHalfLife,
		MaxLiveLabels:   p.MaxLiveLabels,
		CooldownTicks:   p.CooldownTicks,
		DwellTicks:      p.DwellTicks,
	}
	for _, f := range snap.Fields {
		cfg.Fields = append(cfg.Fields, field.Spec{Name: f.Name, HalfLife: f.HalfLife, Diffusion: f.Diffusion, Initial: f.Initial})
	}
	return cfg
}

// Restore resumes a store from snap. The rebuilt state must reproduce the recorded
// digest. snapshotEvery is the only parameter not taken from the snapshot.
func Restore(snap snapshot.SnapshotV1, snapshotEvery uint64, opts ...Option) (*Center, error) {
	if snap.Header.Version != snapshot.Version {
		return nil, simerr.Validationf("snapshot version %d", snap.Header.Version)
	}
	cfg := ConfigFromSnapshot(snap)
	cfg.SnapshotEveryTicks = snapshotEvery

	values := make(map[string][]float64, len(snap.Fields))
	for _, f := range snap.Fields {
		values[f.Name] = f.Values
	}
	set, err := field.Restore(cfg.Dims, cfg.Fields, values)
	if err != nil {
		return nil, err
	}

	labels := make([]label.Label, 0, len(snap.Labels))
	for _, l := range snap.Labels {
		st, ok := label.ParseState(l.State)
		if !ok {
			return nil, simerr.Validationf("label %d state %q", l.ID, l.State)
		}
		region := grid.FromArray(l.Region)
		if err := cfg.Dims.Check(region); err != nil {
			return nil, err
		}
		labels = append(labels, label.Label{
			ID:                label.ID(l.ID),
			Type:              l.Type,
			Region:            region,
			Centroid:          grid.Point{X: l.Centroid[0], Y: l.Centroid[1]},
			Magnitude:         l.Magnitude,
			HalfLife:          l.HalfLife,
			CreatedTick:       l.CreatedTick,
			UpdatedTick:       l.UpdatedTick,
			State:             st,
			StateLockedUntil:  l.StateLockedUntil,
			Owner:             l.Owner,
			CooldownUntil:     l.CooldownUntil,
			SubThresholdTicks: l.SubThresholdTicks,
			PruneCandidate:    l.PruneCandidate,
		})
	}
	succ := make(map[label.ID]label.ID, len(snap.Successors))
	for _, s := range snap.Successors {
		succ[label.ID(s.ID)] = label.ID(s.Successor)
	}
	guard := cfg.guard()
	reg, err := label.Restore(cfg.labelConfig(), guard, labels, succ, snap.Counters.NextLabelID)
	if err != nil {
		return nil, err
	}

	records := make(map[label.ID]ownership.Record, len(snap.Ownership))
	for _, o := range snap.Ownership {
		records[label.ID(o.Label)] = ownership.Record{Owner: o.Owner, ClaimTick: o.ClaimTick, CooldownUntil: o.CooldownUntil}
	}
	led := ownership.Restore(cfg.CooldownTicks, records)

	c, err := newCenter(cfg, guard, snap.Header.Tick, set, reg, led, snap.Counters.NextSeq, opts)
	if err != nil {
		return nil, err
	}
	if want, got := snap.Header.Digest, c.Snapshot().Digest(); want != "" && want != got {
		return nil, errors.Wrapf(simerr.ErrInvariantViolation, "restored digest %s, snapshot recorded %s", got, want)
	}
	return c, nil
}
