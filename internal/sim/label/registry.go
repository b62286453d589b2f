// Package label is the registry of discrete aggregated entities ("labels"):
// hotspots and antigen sources with merge/split and prune lifecycle.
package label

import (
	"math"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/hu6789/MacroImmunet-demo/internal/sim/grid"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/simerr"
)

const shareTolerance = 1e-9

type Config struct {
	Dims            grid.Dims
	MergeDistance   float64 // regions no farther apart than this (cells) merge; overlap always merges
	PruneThreshold  float64
	PruneAfterTicks int
	DefaultHalfLife float64
	MaxLive         int // cap on live labels; 0 means no cap
}

// Lifecycle is what CommitLifecycle finalized for one tick.
type Lifecycle struct {
	Merged   []ID      // labels created by automatic merges
	Absorbed map[ID]ID // absorbed label -> successor
	Pruned   []ID
}

// Registry holds live labels and the successor table of absorbed ones.
// A Registry is mutated only by the committer on a private Clone; published
// registries are read-only.
type Registry struct {
	cfg  Config
	gate Gate

	labels     map[ID]*Label
	successors map[ID]ID
	nextID     uint64

	observed map[ID]struct{}
	absorbed map[ID]ID
}

func NewRegistry(cfg Config, gate Gate) *Registry {
	return &Registry{
		cfg:        cfg,
		gate:       gate,
		labels:     map[ID]*Label{},
		successors: map[ID]ID{},
		observed:   map[ID]struct{}{},
		absorbed:   map[ID]ID{},
	}
}

// Restore rebuilds a registry from persisted state.
func Restore(cfg Config, gate Gate, labels []Label, successors map[ID]ID, nextID uint64) (*Registry, error) {
	r := NewRegistry(cfg, gate)
	for _, l := range labels {
		if l.ID == 0 || uint64(l.ID) > nextID {
			return nil, simerr.Validationf("label id %d outside counter %d", l.ID, nextID)
		}
		if _, dup := r.labels[l.ID]; dup {
			return nil, simerr.Validationf("duplicate label %d", l.ID)
		}
		l := l
		r.labels[l.ID] = &l
	}
	for k, v := range successors {
		r.successors[k] = v
	}
	r.nextID = nextID
	return r, nil
}

// Clone returns an independent copy with an empty per-tick journal.
func (r *Registry) Clone() *Registry {
	c := NewRegistry(r.cfg, r.gate)
	for id, l := range r.labels {
		cp := *l
		c.labels[id] = &cp
	}
	for k, v := range r.successors {
		c.successors[k] = v
	}
	c.nextID = r.nextID
	return c
}

func (r *Registry) Config() Config { return r.cfg }
func (r *Registry) Len() int       { return len(r.labels) }
func (r *Registry) NextID() uint64 { return r.nextID }

func (r *Registry) Get(id ID) (Label, bool) {
	l, ok := r.labels[id]
	if !ok {
		return Label{}, false
	}
	return *l, true
}

// List returns live labels matching f, ordered by id.
func (r *Registry) List(f Filter) []Label {
	out := make([]Label, 0, len(r.labels))
	for _, id := range r.ids() {
		if l := r.labels[id]; f.Match(*l) {
			out = append(out, *l)
		}
	}
	return out
}

// Successor follows the successor chain of an absorbed label to its live descendant.
func (r *Registry) Successor(id ID) (ID, bool) {
	cur, ok := r.successors[id]
	if !ok {
		return 0, false
	}
	for i := 0; i < len(r.successors); i++ {
		next, ok := r.successors[cur]
		if !ok {
			break
		}
		cur = next
	}
	return cur, true
}

// Successors returns a copy of the raw successor table.
func (r *Registry) Successors() map[ID]ID {
	out := make(map[ID]ID, len(r.successors))
	for k, v := range r.successors {
		out[k] = v
	}
	return out
}

// Create adds a live label. It fails with ErrValidation once MaxLive labels are live.
func (r *Registry) Create(typ string, region grid.Region, magnitude, halfLife float64, tick uint64) (ID, error) {
	if err := r.room(1); err != nil {
		return 0, err
	}
	return r.create(typ, region, magnitude, halfLife, tick)
}

func (r *Registry) create(typ string, region grid.Region, magnitude, halfLife float64, tick uint64) (ID, error) {
	if typ == "" {
		return 0, simerr.Validationf("label type is empty")
	}
	if err := checkMagnitude(magnitude); err != nil {
		return 0, err
	}
	if err := r.cfg.Dims.Check(region); err != nil {
		return 0, err
	}
	if halfLife <= 0 {
		halfLife = r.cfg.DefaultHalfLife
	}
	r.nextID++
	id := ID(r.nextID)
	l := &Label{
		ID:          id,
		Type:        typ,
		Region:      region,
		Centroid:    region.Center(),
		Magnitude:   magnitude,
		HalfLife:    halfLife,
		CreatedTick: tick,
		UpdatedTick: tick,
	}
	r.enter(l, tick)
	r.labels[id] = l
	r.observed[id] = struct{}{}
	return id, nil
}

// Emit deposits amount of typ at cell: it accumulates onto the lowest-id live label
// of that type whose region contains cell, or creates a single-cell label.
// The caller is responsible for ownership checks via EmitTarget.
func (r *Registry) Emit(typ string, cell grid.Cell, amount float64, tick uint64) (ID, bool, error) {
	if err := checkMagnitude(amount); err != nil {
		return 0, false, err
	}
	if id, ok := r.EmitTarget(typ, cell); ok {
		l := r.labels[id]
		l.Magnitude += amount
		l.UpdatedTick = tick
		r.observed[id] = struct{}{}
		return id, false, nil
	}
	id, err := r.Create(typ, grid.CellRegion(cell), amount, 0, tick)
	return id, err == nil, err
}

func (r *Registry) EmitTarget(typ string, cell grid.Cell) (ID, bool) {
	for _, id := range r.ids() {
		l := r.labels[id]
		if l.Type == typ && l.Region.Contains(cell) {
			return id, true
		}
	}
	return 0, false
}

func (r *Registry) Update(id ID, magnitude float64, tick uint64) error {
	l, err := r.live(id)
	if err != nil {
		return err
	}
	if err := checkMagnitude(magnitude); err != nil {
		return err
	}
	l.Magnitude = magnitude
	l.UpdatedTick = tick
	r.observed[id] = struct{}{}
	return nil
}

// Transition moves id to state `to` if the gate allows it.
func (r *Registry) Transition(id ID, to State, tick uint64) error {
	l, err := r.live(id)
	if err != nil {
		return err
	}
	if to == Pruned {
		return simerr.Validationf("%s: pruning goes through prune intents", id)
	}
	if l.State == to {
		return nil
	}
	if err := r.gate.Check(*l, to, tick); err != nil {
		return err
	}
	r.gate.Approve(l, to, tick)
	l.UpdatedTick = tick
	return nil
}

// Merge combines ids into a fresh label. Absorbed labels keep a successor pointer.
func (r *Registry) Merge(ids []ID, tick uint64) (ID, error) {
	set := make([]*Label, 0, len(ids))
	seen := map[ID]bool{}
	for _, id := range ids {
		if seen[id] {
			return 0, simerr.Validationf("merge lists %s twice", id)
		}
		seen[id] = true
		l, err := r.live(id)
		if err != nil {
			return 0, err
		}
		if l.Owned() {
			return 0, errors.Wrapf(simerr.ErrOwnershipConflict, "%s is owned by %s", id, l.Owner)
		}
		set = append(set, l)
	}
	if len(set) < 2 {
		return 0, simerr.Validationf("merge needs at least two labels")
	}
	for _, l := range set[1:] {
		if l.Type != set[0].Type {
			return 0, simerr.Validationf("merge mixes types %s and %s", set[0].Type, l.Type)
		}
	}
	if !r.connected(set) {
		return 0, simerr.Validationf("labels are farther apart than merge distance %v", r.cfg.MergeDistance)
	}
	return r.merge(set, tick), nil
}

func (r *Registry) merge(set []*Label, tick uint64) ID {
	sort.Slice(set, func(i, j int) bool { return set[i].ID < set[j].ID })

	var mass, wx, wy, hl float64
	region := set[0].Region
	created := set[0].CreatedTick
	for _, l := range set {
		mass += l.Magnitude
		wx += l.Magnitude * l.Centroid.X
		wy += l.Magnitude * l.Centroid.Y
		region = region.Union(l.Region)
		created = min(created, l.CreatedTick)
		hl = math.Max(hl, l.HalfLife)
	}
	var centroid grid.Point
	if mass > 0 {
		centroid = grid.Point{X: wx / mass, Y: wy / mass}
	} else {
		for _, l := range set {
			centroid.X += l.Centroid.X / float64(len(set))
			centroid.Y += l.Centroid.Y / float64(len(set))
		}
	}

	r.nextID++
	id := ID(r.nextID)
	merged := &Label{
		ID:          id,
		Type:        set[0].Type,
		Region:      region,
		Centroid:    centroid,
		Magnitude:   mass,
		HalfLife:    hl,
		CreatedTick: created,
		UpdatedTick: tick,
	}
	r.enter(merged, tick)
	r.labels[id] = merged
	for _, l := range set {
		r.absorb(l.ID, id)
	}
	return id
}

// Split replaces id with one label per part, magnitude distributed by share.
func (r *Registry) Split(id ID, parts []Part, tick uint64) ([]ID, error) {
	l, err := r.live(id)
	if err != nil {
		return nil, err
	}
	if l.Owned() {
		return nil, errors.Wrapf(simerr.ErrOwnershipConflict, "%s is owned by %s", id, l.Owner)
	}
	if err := CheckParts(r.cfg.Dims, parts); err != nil {
		return nil, err
	}
	// The parent's slot goes to the first child.
	if err := r.room(len(parts) - 1); err != nil {
		return nil, err
	}
	parent := *l
	out := make([]ID, 0, len(parts))
	for _, p := range parts {
		child, err := r.create(parent.Type, p.Region, parent.Magnitude*p.Share, parent.HalfLife, tick)
		if err != nil {
			return nil, err
		}
		out = append(out, child)
	}
	r.absorb(id, out[0])
	// Children of an explicit split are not candidates for this tick's auto-merge.
	for _, child := range out {
		delete(r.observed, child)
	}
	return out, nil
}

// CheckParts validates a split partition: two or more parts, positive shares summing
// to one, regions inside the grid.
func CheckParts(d grid.Dims, parts []Part) error {
	if len(parts) < 2 {
		return simerr.Validationf("split needs at least two parts")
	}
	var sum float64
	for i, p := range parts {
		if !(p.Share > 0) || p.Share > 1 {
			return simerr.Validationf("part %d share %v", i, p.Share)
		}
		if err := d.Check(p.Region); err != nil {
			return err
		}
		sum += p.Share
	}
	if math.Abs(sum-1) > shareTolerance {
		return simerr.Validationf("shares sum to %v", sum)
	}
	return nil
}

func (r *Registry) MarkPruneCandidate(id ID) error {
	l, err := r.live(id)
	if err != nil {
		return err
	}
	l.PruneCandidate = true
	return nil
}

// SyncOwnership mirrors the ledger's record onto the label.
func (r *Registry) SyncOwnership(id ID, owner string, cooldownUntil uint64) {
	if l, ok := r.labels[id]; ok {
		l.Owner = owner
		l.CooldownUntil = cooldownUntil
	}
}

// Decay applies each unowned label's half-life for one tick. Owned labels are frozen.
func (r *Registry) Decay() {
	for _, l := range r.labels {
		if l.Owned() || l.HalfLife <= 0 {
			continue
		}
		l.Magnitude *= math.Pow(0.5, 1/l.HalfLife)
	}
}

// CommitLifecycle finalizes the tick: automatic merges of labels observed this tick,
// sub-threshold accounting and gated pruning.
func (r *Registry) CommitLifecycle(tick uint64) Lifecycle {
	out := Lifecycle{Absorbed: map[ID]ID{}}
	out.Merged = r.autoMerge(tick)

	for _, id := range r.ids() {
		l := r.labels[id]
		if l.Magnitude < r.cfg.PruneThreshold {
			l.SubThresholdTicks++
		} else {
			l.SubThresholdTicks = 0
			l.PruneCandidate = false
		}
		if r.cfg.PruneAfterTicks > 0 && l.SubThresholdTicks >= r.cfg.PruneAfterTicks {
			l.PruneCandidate = true
		}
	}

	for _, id := range r.ids() {
		l := r.labels[id]
		if !l.PruneCandidate || l.Owned() {
			continue
		}
		if r.gate.CheckPrune(*l, tick) != nil {
			continue
		}
		r.gate.Approve(l, Pruned, tick)
		delete(r.labels, id)
		out.Pruned = append(out.Pruned, id)
	}

	for k, v := range r.absorbed {
		out.Absorbed[k] = v
	}
	r.observed = map[ID]struct{}{}
	r.absorbed = map[ID]ID{}
	return out
}

// Prune removes id immediately if the gate allows it.
func (r *Registry) Prune(id ID, tick uint64) error {
	l, err := r.live(id)
	if err != nil {
		return err
	}
	if l.Owned() {
		return errors.Wrapf(simerr.ErrOwnershipConflict, "%s is owned by %s", id, l.Owner)
	}
	if err := r.gate.CheckPrune(*l, tick); err != nil {
		return err
	}
	l.PruneCandidate = true
	r.gate.Approve(l, Pruned, tick)
	delete(r.labels, id)
	return nil
}

// Absorbed returns labels absorbed so far in the current tick.
func (r *Registry) Absorbed() map[ID]ID {
	out := make(map[ID]ID, len(r.absorbed))
	for k, v := range r.absorbed {
		out[k] = v
	}
	return out
}

func (r *Registry) autoMerge(tick uint64) []ID {
	var merged []ID
	ids := make([]ID, 0, len(r.observed))
	for id := range r.observed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, seed := range ids {
		l, ok := r.labels[seed]
		if !ok || l.Owned() {
			continue
		}
		group := []*Label{l}
		in := map[ID]bool{seed: true}
		for grew := true; grew; {
			grew = false
			for _, id := range ids {
				c, ok := r.labels[id]
				if !ok || in[id] || c.Owned() || c.Type != l.Type {
					continue
				}
				for _, g := range group {
					if r.near(g, c) {
						group = append(group, c)
						in[id] = true
						grew = true
						break
					}
				}
			}
		}
		if len(group) > 1 {
			merged = append(merged, r.merge(group, tick))
		}
	}
	return merged
}

func (r *Registry) connected(set []*Label) bool {
	reached := map[ID]bool{set[0].ID: true}
	frontier := []*Label{set[0]}
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		for _, c := range set {
			if !reached[c.ID] && r.near(cur, c) {
				reached[c.ID] = true
				frontier = append(frontier, c)
			}
		}
	}
	return len(reached) == len(set)
}

func (r *Registry) near(a, b *Label) bool {
	return a.Region.Overlaps(b.Region) || a.Region.Gap(b.Region) <= r.cfg.MergeDistance
}

// enter puts a new label into the active state; creation opens a dwell window.
func (r *Registry) enter(l *Label, tick uint64) {
	if r.gate != nil {
		r.gate.Approve(l, Active, tick)
		return
	}
	l.State = Active
}

// room fails when n more live labels would exceed MaxLive.
func (r *Registry) room(n int) error {
	if r.cfg.MaxLive > 0 && len(r.labels)+n > r.cfg.MaxLive {
		return simerr.Validationf("label capacity: %d live, max %d", len(r.labels), r.cfg.MaxLive)
	}
	return nil
}

func (r *Registry) absorb(id, successor ID) {
	delete(r.labels, id)
	delete(r.observed, id)
	r.successors[id] = successor
	r.absorbed[id] = successor
	// Keep the observation so a merged label can keep aggregating this tick.
	r.observed[successor] = struct{}{}
}

func (r *Registry) live(id ID) (*Label, error) {
	l, ok := r.labels[id]
	if !ok {
		if succ, absorbed := r.Successor(id); absorbed {
			return nil, errors.Wrapf(simerr.ErrLabelNotFound, "%s was absorbed into %s", id, succ)
		}
		return nil, errors.Wrapf(simerr.ErrLabelNotFound, "%s", id)
	}
	return l, nil
}

func (r *Registry) ids() []ID {
	ids := make([]ID, 0, len(r.labels))
	for id := range r.labels {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func checkMagnitude(m float64) error {
	if m < 0 || math.IsNaN(m) || math.IsInf(m, 0) {
		return simerr.Validationf("magnitude %v", m)
	}
	return nil
}
