package center

import (
	"sort"
	"strconv"

	"github.com/hu6789/MacroImmunet-demo/internal/protocol"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/intent"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/label"
)

// Report is the outcome of one tick. An aborted tick applies nothing and rejects
// every intent staged for it.
type Report struct {
	Tick     uint64                `json:"tick"`
	Aborted  bool                  `json:"aborted,omitempty"`
	Applied  []uint64              `json:"applied"`
	Rejected []Rejection           `json:"rejected"`
	Created  map[uint64]label.ID   `json:"created,omitempty"` // seq -> new label
	Split    map[uint64][]label.ID `json:"split,omitempty"`   // seq -> children
	Pruned   []label.ID            `json:"pruned,omitempty"`
	Absorbed map[label.ID]label.ID `json:"absorbed,omitempty"`
	Digest   string                `json:"digest"`
}

type Rejection struct {
	Seq    uint64      `json:"seq"`
	Kind   intent.Kind `json:"kind"`
	Code   string      `json:"code"`
	Reason string      `json:"reason,omitempty"`

	Err error `json:"-"`
}

// Rejection returns the rejection recorded for seq, if any.
func (r Report) Rejection(seq uint64) (Rejection, bool) {
	for _, rj := range r.Rejected {
		if rj.Seq == seq {
			return rj, true
		}
	}
	return Rejection{}, false
}

func (r Report) WasApplied(seq uint64) bool {
	i := sort.Search(len(r.Applied), func(i int) bool { return r.Applied[i] >= seq })
	return i < len(r.Applied) && r.Applied[i] == seq
}

// ToMsg renders the report for the wire.
func (r Report) ToMsg() protocol.ReportMsg {
	m := protocol.ReportMsg{
		Type:            protocol.TypeReport,
		ProtocolVersion: protocol.Version,
		Tick:            r.Tick,
		Aborted:         r.Aborted,
		Applied:         append([]uint64{}, r.Applied...),
		Rejected:        make([]protocol.RejectionMsg, 0, len(r.Rejected)),
		Digest:          r.Digest,
	}
	for _, rj := range r.Rejected {
		m.Rejected = append(m.Rejected, protocol.RejectionMsg{Seq: rj.Seq, Kind: string(rj.Kind), Code: rj.Code, Reason: rj.Reason})
	}
	if len(r.Created) > 0 {
		m.Created = make(map[string]uint64, len(r.Created))
		for seq, id := range r.Created {
			m.Created[strconv.FormatUint(seq, 10)] = uint64(id)
		}
	}
	if len(r.Split) > 0 {
		m.Split = make(map[string][]uint64, len(r.Split))
		for seq, ids := range r.Split {
			kids := make([]uint64, len(ids))
			for i, id := range ids {
				kids[i] = uint64(id)
			}
			m.Split[strconv.FormatUint(seq, 10)] = kids
		}
	}
	for _, id := range r.Pruned {
		m.Pruned = append(m.Pruned, uint64(id))
	}
	if len(r.Absorbed) > 0 {
		m.Absorbed = make(map[string]uint64, len(r.Absorbed))
		for id, succ := range r.Absorbed {
			m.Absorbed[strconv.FormatUint(uint64(id), 10)] = uint64(succ)
		}
	}
	return m
}

// TickLogEntry is one line of the tick log: the admitted intents and what they produced.
type TickLogEntry struct {
	Tick    uint64             `json:"tick"`
	Intents []RecordedIntent   `json:"intents,omitempty"`
	Report  protocol.ReportMsg `json:"report"`
	Digest  string             `json:"digest"`
}

type RecordedIntent struct {
	Seq       uint64             `json:"seq"`
	Submitter string             `json:"submitter,omitempty"`
	Intent    protocol.IntentMsg `json:"intent"`
}

// AuditEntry records ownership and lifecycle changes.
type AuditEntry struct {
	Tick      uint64   `json:"tick"`
	Actor     string   `json:"actor,omitempty"`
	Action    string   `json:"action"` // CLAIM, RELEASE, MERGE, SPLIT, PRUNE
	Label     label.ID `json:"label"`
	Successor label.ID `json:"successor,omitempty"`
	Reason    string   `json:"reason,omitempty"`
}

type TickLogger interface {
	WriteTick(entry TickLogEntry) error
}

type AuditLogger interface {
	WriteAudit(entry AuditEntry) error
}
