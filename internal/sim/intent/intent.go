// Package intent defines the write requests collaborators submit to the Label Center.
//
// Intents are structurally validated at admission and replayed by the committer at
// the tick boundary. After admission an Intent is never modified.
package intent

import (
	"math"

	"github.com/cockroachdb/errors"

	"github.com/hu6789/MacroImmunet-demo/internal/protocol"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/grid"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/label"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/simerr"
)

type Kind string

const (
	KindFieldDelta   Kind = "field-delta"
	KindCreateLabel  Kind = "create-label"
	KindEmitLabel    Kind = "emit-label"
	KindUpdateLabel  Kind = "update-label"
	KindMergeLabels  Kind = "merge-labels"
	KindSplitLabel   Kind = "split-label"
	KindClaimLabel   Kind = "claim-label"
	KindReleaseLabel Kind = "release-label"
	KindPruneLabel   Kind = "prune-label"
)

// Kinds lists every kind in commit phase order.
var Kinds = []Kind{
	KindFieldDelta,
	KindCreateLabel, KindEmitLabel,
	KindUpdateLabel,
	KindMergeLabels,
	KindSplitLabel,
	KindClaimLabel,
	KindReleaseLabel,
	KindPruneLabel,
}

func (k Kind) Valid() bool {
	for _, v := range Kinds {
		if v == k {
			return true
		}
	}
	return false
}

type FieldDelta struct {
	Field  string      `json:"field"`
	Region grid.Region `json:"region"`
	Delta  float64     `json:"delta"`
}

type CreateLabel struct {
	Type      string      `json:"type"`
	Region    grid.Region `json:"region"`
	Magnitude float64     `json:"magnitude"`
	HalfLife  float64     `json:"half_life,omitempty"`
}

type EmitLabel struct {
	Type   string    `json:"type"`
	Cell   grid.Cell `json:"cell"`
	Amount float64   `json:"amount"`
}

// UpdateLabel sets the magnitude, the activity state, or both.
type UpdateLabel struct {
	Magnitude *float64    `json:"magnitude,omitempty"`
	State     label.State `json:"state,omitempty"`
}

type Intent struct {
	Kind      Kind   `json:"kind"`
	Priority  int    `json:"priority,omitempty"`
	Submitter string `json:"submitter,omitempty"`

	// Assigned at admission.
	Seq  uint64 `json:"seq"`
	Tick uint64 `json:"tick"`

	Label  label.ID   `json:"label,omitempty"`
	Labels []label.ID `json:"labels,omitempty"`
	Owner  string     `json:"owner,omitempty"`

	Field  *FieldDelta  `json:"field,omitempty"`
	Create *CreateLabel `json:"create,omitempty"`
	Emit   *EmitLabel   `json:"emit,omitempty"`
	Update *UpdateLabel `json:"update,omitempty"`
	Parts  []label.Part `json:"parts,omitempty"`
}

// Clone returns a deep copy so the admitted intent cannot be changed by the caller.
func (in Intent) Clone() Intent {
	out := in
	out.Labels = append([]label.ID(nil), in.Labels...)
	out.Parts = append([]label.Part(nil), in.Parts...)
	if in.Field != nil {
		f := *in.Field
		out.Field = &f
	}
	if in.Create != nil {
		c := *in.Create
		out.Create = &c
	}
	if in.Emit != nil {
		e := *in.Emit
		out.Emit = &e
	}
	if in.Update != nil {
		u := *in.Update
		if in.Update.Magnitude != nil {
			m := *in.Update.Magnitude
			u.Magnitude = &m
		}
		out.Update = &u
	}
	return out
}

// Targets returns the labels the intent addresses.
func (in Intent) Targets() []label.ID {
	if len(in.Labels) > 0 {
		return in.Labels
	}
	if in.Label != 0 {
		return []label.ID{in.Label}
	}
	return nil
}

// Validate performs the structural checks done at admission: payload present for the
// kind, finite numbers, regions inside d. Whether targets exist is decided at commit.
func (in Intent) Validate(d grid.Dims) error {
	if err := in.validate(d); err != nil {
		if errors.Is(err, simerr.ErrValidation) {
			return errors.WithHint(err, "see the intent schema for the fields each kind requires")
		}
		return err
	}
	return nil
}

func (in Intent) validate(d grid.Dims) error {
	switch in.Kind {
	case KindFieldDelta:
		if in.Field == nil || in.Field.Field == "" {
			return simerr.Validationf("%s: field payload missing", in.Kind)
		}
		if !finite(in.Field.Delta) {
			return simerr.Validationf("%s: delta %v", in.Kind, in.Field.Delta)
		}
		return d.Check(in.Field.Region)

	case KindCreateLabel:
		c := in.Create
		if c == nil || c.Type == "" {
			return simerr.Validationf("%s: label type missing", in.Kind)
		}
		if !finite(c.Magnitude) || c.Magnitude < 0 || !finite(c.HalfLife) || c.HalfLife < 0 {
			return simerr.Validationf("%s: magnitude %v half_life %v", in.Kind, c.Magnitude, c.HalfLife)
		}
		return d.Check(c.Region)

	case KindEmitLabel:
		e := in.Emit
		if e == nil || e.Type == "" {
			return simerr.Validationf("%s: label type missing", in.Kind)
		}
		if !finite(e.Amount) || e.Amount <= 0 {
			return simerr.Validationf("%s: amount %v", in.Kind, e.Amount)
		}
		if !d.Contains(e.Cell) {
			return errors.Wrapf(simerr.ErrInvalidRegion, "cell (%d,%d) outside %dx%d", e.Cell.X, e.Cell.Y, d.W, d.H)
		}
		return nil

	case KindUpdateLabel:
		if in.Label == 0 {
			return simerr.Validationf("%s: label missing", in.Kind)
		}
		u := in.Update
		if u == nil || (u.Magnitude == nil && u.State == "") {
			return simerr.Validationf("%s: nothing to update", in.Kind)
		}
		if u.Magnitude != nil && (!finite(*u.Magnitude) || *u.Magnitude < 0) {
			return simerr.Validationf("%s: magnitude %v", in.Kind, *u.Magnitude)
		}
		if u.State != "" && u.State != label.Active && u.State != label.Inactive {
			return simerr.Validationf("%s: state %q", in.Kind, u.State)
		}
		return nil

	case KindMergeLabels:
		if len(in.Labels) < 2 {
			return simerr.Validationf("%s: needs at least two labels", in.Kind)
		}
		seen := map[label.ID]bool{}
		for _, id := range in.Labels {
			if id == 0 || seen[id] {
				return simerr.Validationf("%s: bad or repeated label %d", in.Kind, id)
			}
			seen[id] = true
		}
		return nil

	case KindSplitLabel:
		if in.Label == 0 {
			return simerr.Validationf("%s: label missing", in.Kind)
		}
		return label.CheckParts(d, in.Parts)

	case KindClaimLabel, KindReleaseLabel:
		if in.Label == 0 || in.Owner == "" {
			return simerr.Validationf("%s: label and owner required", in.Kind)
		}
		return nil

	case KindPruneLabel:
		if in.Label == 0 {
			return simerr.Validationf("%s: label missing", in.Kind)
		}
		return nil
	}
	return simerr.Validationf("unknown intent kind %q", in.Kind)
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

// FromMsg converts the wire form. Field presence is enforced by Validate, not here.
func FromMsg(m protocol.IntentMsg, submitter string) (Intent, error) {
	in := Intent{
		Kind:      Kind(m.Kind),
		Priority:  m.Priority,
		Submitter: submitter,
		Label:     label.ID(m.Label),
		Owner:     m.Owner,
	}
	if !in.Kind.Valid() {
		return Intent{}, simerr.Validationf("unknown intent kind %q", m.Kind)
	}
	for _, id := range m.Labels {
		in.Labels = append(in.Labels, label.ID(id))
	}
	var region grid.Region
	if m.Region != nil {
		region = grid.FromArray(*m.Region)
	}

	switch in.Kind {
	case KindFieldDelta:
		if m.Region == nil {
			return Intent{}, simerr.Validationf("%s: region missing", in.Kind)
		}
		in.Field = &FieldDelta{Field: m.Field, Region: region, Delta: m.Delta}
	case KindCreateLabel:
		if m.Region == nil || m.Magnitude == nil {
			return Intent{}, simerr.Validationf("%s: region and magnitude required", in.Kind)
		}
		in.Create = &CreateLabel{Type: m.LabelType, Region: region, Magnitude: *m.Magnitude, HalfLife: m.HalfLife}
	case KindEmitLabel:
		if m.Cell == nil {
			return Intent{}, simerr.Validationf("%s: cell missing", in.Kind)
		}
		in.Emit = &EmitLabel{Type: m.LabelType, Cell: grid.Cell{X: m.Cell[0], Y: m.Cell[1]}, Amount: m.Amount}
	case KindUpdateLabel:
		u := &UpdateLabel{State: label.State(m.State)}
		if m.Magnitude != nil {
			v := *m.Magnitude
			u.Magnitude = &v
		}
		in.Update = u
	case KindSplitLabel:
		for _, p := range m.Parts {
			in.Parts = append(in.Parts, label.Part{Region: grid.FromArray(p.Region), Share: p.Share})
		}
	}
	return in, nil
}

// ToMsg is the inverse of FromMsg, used by tick logs and tools that resubmit intents.
func ToMsg(in Intent) protocol.IntentMsg {
	m := protocol.IntentMsg{
		Kind:     string(in.Kind),
		Priority: in.Priority,
		Label:    uint64(in.Label),
		Owner:    in.Owner,
	}
	for _, id := range in.Labels {
		m.Labels = append(m.Labels, uint64(id))
	}
	if f := in.Field; f != nil {
		r := f.Region.Array()
		m.Field, m.Region, m.Delta = f.Field, &r, f.Delta
	}
	if c := in.Create; c != nil {
		r := c.Region.Array()
		mag := c.Magnitude
		m.LabelType, m.Region, m.Magnitude, m.HalfLife = c.Type, &r, &mag, c.HalfLife
	}
	if e := in.Emit; e != nil {
		cell := [2]int{e.Cell.X, e.Cell.Y}
		m.LabelType, m.Cell, m.Amount = e.Type, &cell, e.Amount
	}
	if u := in.Update; u != nil {
		if u.Magnitude != nil {
			v := *u.Magnitude
			m.Magnitude = &v
		}
		m.State = string(u.State)
	}
	for _, p := range in.Parts {
		m.Parts = append(m.Parts, protocol.SplitPartMsg{Region: p.Region.Array(), Share: p.Share})
	}
	return m
}
