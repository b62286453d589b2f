package ws

import (
	"github.com/hu6789/MacroImmunet-demo/internal/protocol"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/center"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/grid"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/label"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/simerr"
)

// ReadField answers a READ_FIELD against one committed view. A nil region reads the whole grid.
func ReadField(v center.View, m protocol.ReadFieldMsg) protocol.FieldMsg {
	r := v.Dims().All()
	if m.Region != nil {
		r = grid.FromArray(*m.Region)
	}
	out := protocol.FieldMsg{
		Type:            protocol.TypeField,
		ProtocolVersion: protocol.Version,
		ReqID:           m.ReqID,
		Tick:            v.Tick(),
		Field:           m.Field,
		Region:          r.Array(),
	}
	vals, err := v.Field(m.Field, r)
	if err != nil {
		out.Code = simerr.Code(err)
		out.Message = err.Error()
		return out
	}
	out.Values = vals
	return out
}

// ListLabels answers a LIST_LABELS. Labels under perception are hidden unless the
// filter asks for a lower min_magnitude.
func ListLabels(v center.View, m protocol.ListLabelsMsg, perception float64) protocol.LabelsMsg {
	f := FilterFromMsg(m.Filter)
	if f.MinMagnitude == 0 {
		f.MinMagnitude = perception
	}
	ls := v.Labels(f)
	out := protocol.LabelsMsg{
		Type:            protocol.TypeLabels,
		ProtocolVersion: protocol.Version,
		ReqID:           m.ReqID,
		Tick:            v.Tick(),
		Labels:          make([]protocol.LabelSummary, 0, len(ls)),
	}
	for _, l := range ls {
		out.Labels = append(out.Labels, Summary(l))
	}
	return out
}

func FilterFromMsg(m protocol.LabelFilter) label.Filter {
	f := label.Filter{
		Type:         m.LabelType,
		State:        label.State(m.State),
		Owner:        m.Owner,
		Unowned:      m.Unowned,
		MinMagnitude: m.MinMagnitude,
	}
	if m.Region != nil {
		r := grid.FromArray(*m.Region)
		f.Region = &r
	}
	return f
}

func Summary(l label.Label) protocol.LabelSummary {
	return protocol.LabelSummary{
		ID:            uint64(l.ID),
		LabelType:     l.Type,
		Region:        l.Region.Array(),
		Centroid:      [2]float64{l.Centroid.X, l.Centroid.Y},
		Magnitude:     l.Magnitude,
		State:         string(l.State),
		Owner:         l.Owner,
		CreatedTick:   l.CreatedTick,
		UpdatedTick:   l.UpdatedTick,
		CooldownUntil: l.CooldownUntil,
	}
}
