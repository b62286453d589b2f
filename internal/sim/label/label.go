package label

import (
	"strconv"

	"github.com/hu6789/MacroImmunet-demo/internal/sim/grid"
)

// ID identifies a label. IDs are never reused; 0 means "none".
type ID uint64

func (id ID) String() string { return "L" + strconv.FormatUint(uint64(id), 10) }

// State is a label's activity state.
type State string

const (
	Active   State = "active"
	Inactive State = "inactive"
	Pruned   State = "pruned"
)

func ParseState(s string) (State, bool) {
	switch State(s) {
	case Active, Inactive, Pruned:
		return State(s), true
	}
	return "", false
}

// Common label types. Types are free-form; these are the ones the scan layer emits.
const (
	TypeHotspot       = "hotspot"
	TypeAntigenSource = "antigen-source"
)

// Label is a discrete aggregated entity (super-particle). Values returned by the
// registry are copies; mutate only through Registry methods.
type Label struct {
	ID        ID          `json:"id"`
	Type      string      `json:"type"`
	Region    grid.Region `json:"region"`
	Centroid  grid.Point  `json:"centroid"`
	Magnitude float64     `json:"magnitude"`
	HalfLife  float64     `json:"half_life,omitempty"`

	CreatedTick uint64 `json:"created_tick"`
	UpdatedTick uint64 `json:"updated_tick"`

	State            State  `json:"state"`
	StateLockedUntil uint64 `json:"state_locked_until"`

	// Mirrored from the ownership ledger at commit.
	Owner         string `json:"owner,omitempty"`
	CooldownUntil uint64 `json:"cooldown_until,omitempty"`

	SubThresholdTicks int  `json:"sub_threshold_ticks,omitempty"`
	PruneCandidate    bool `json:"prune_candidate,omitempty"`
}

func (l Label) Owned() bool { return l.Owner != "" }

// Part describes one child of a split.
type Part struct {
	Region grid.Region `json:"region"`
	Share  float64     `json:"share"`
}

// Gate decides activity-state transitions. Implemented by hysteresis.Guard.
type Gate interface {
	Check(l Label, to State, tick uint64) error
	CheckPrune(l Label, tick uint64) error
	Approve(l *Label, to State, tick uint64)
}

// Filter selects labels for snapshot reads. Zero value matches every live label.
type Filter struct {
	Type         string
	State        State
	Owner        string
	Unowned      bool
	MinMagnitude float64
	Region       *grid.Region
}

func (f Filter) Match(l Label) bool {
	if f.Type != "" && l.Type != f.Type {
		return false
	}
	if f.State != "" && l.State != f.State {
		return false
	}
	if f.Owner != "" && l.Owner != f.Owner {
		return false
	}
	if f.Unowned && l.Owned() {
		return false
	}
	if l.Magnitude < f.MinMagnitude {
		return false
	}
	if f.Region != nil && !f.Region.Overlaps(l.Region) {
		return false
	}
	return true
}
