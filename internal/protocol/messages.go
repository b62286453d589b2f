package protocol

// HELLO (collaborator -> server)
type HelloMsg struct {
	Type            string            `json:"type"`
	ProtocolVersion string            `json:"protocol_version"`
	Collaborator    string            `json:"collaborator"`
	Capabilities    HelloCapabilities `json:"capabilities"`
}

type HelloCapabilities struct {
	Reports  bool `json:"reports,omitempty"`
	MaxQueue int  `json:"max_queue,omitempty"`
}

// WELCOME (server -> collaborator)
type WelcomeMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	SessionID       string      `json:"session_id"`
	CommittedTick   uint64      `json:"committed_tick"`
	Params          StoreParams `json:"params"`
}

type StoreParams struct {
	GridW      int      `json:"grid_w"`
	GridH      int      `json:"grid_h"`
	TickRateHz int      `json:"tick_rate_hz"`
	Fields     []string `json:"fields"`
}

// SUBMIT (collaborator -> server)
type SubmitMsg struct {
	Type            string    `json:"type"`
	ProtocolVersion string    `json:"protocol_version"`
	ReqID           string    `json:"req_id"`
	Intent          IntentMsg `json:"intent"`
}

// IntentMsg is the wire form of an intent. Which fields are meaningful depends on Kind.
type IntentMsg struct {
	Kind     string `json:"kind"`
	Priority int    `json:"priority,omitempty"`

	Label  uint64   `json:"label,omitempty"`
	Labels []uint64 `json:"labels,omitempty"`
	Owner  string   `json:"owner,omitempty"`

	Field  string  `json:"field,omitempty"`
	Region *[4]int `json:"region,omitempty"` // x0,y0,x1,y1 inclusive
	Delta  float64 `json:"delta"`

	LabelType string   `json:"label_type,omitempty"`
	Magnitude *float64 `json:"magnitude,omitempty"`
	HalfLife  float64  `json:"half_life,omitempty"`
	Cell      *[2]int  `json:"cell,omitempty"`
	Amount    float64  `json:"amount,omitempty"`
	State     string   `json:"state,omitempty"`

	Parts []SplitPartMsg `json:"parts,omitempty"`
}

type SplitPartMsg struct {
	Region [4]int  `json:"region"`
	Share  float64 `json:"share"`
}

// ACK (server -> collaborator)
type AckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	AckFor          string `json:"ack_for"`
	Accepted        bool   `json:"accepted"`
	Seq             uint64 `json:"seq,omitempty"`
	Tick            uint64 `json:"tick"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
}

// REPORT (server -> collaborator), one per committed tick.
type ReportMsg struct {
	Type            string              `json:"type"`
	ProtocolVersion string              `json:"protocol_version"`
	Tick            uint64              `json:"tick"`
	Aborted         bool                `json:"aborted,omitempty"` // nothing committed; every staged seq is rejected
	Applied         []uint64            `json:"applied"`
	Rejected        []RejectionMsg      `json:"rejected"`
	Created         map[string]uint64   `json:"created,omitempty"` // seq -> label id
	Split           map[string][]uint64 `json:"split,omitempty"`   // seq -> child label ids
	Pruned          []uint64            `json:"pruned,omitempty"`
	Absorbed        map[string]uint64   `json:"absorbed,omitempty"` // label id -> successor
	Digest          string              `json:"digest"`
}

type RejectionMsg struct {
	Seq    uint64 `json:"seq"`
	Kind   string `json:"kind"`
	Code   string `json:"code"`
	Reason string `json:"reason,omitempty"`
}

// READ_FIELD (collaborator -> server)
type ReadFieldMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	ReqID           string  `json:"req_id"`
	Field           string  `json:"field"`
	Region          *[4]int `json:"region,omitempty"` // whole grid when nil
}

// FIELD (server -> collaborator)
type FieldMsg struct {
	Type            string    `json:"type"`
	ProtocolVersion string    `json:"protocol_version"`
	ReqID           string    `json:"req_id"`
	Tick            uint64    `json:"tick"`
	Field           string    `json:"field"`
	Region          [4]int    `json:"region"`
	Values          []float64 `json:"values,omitempty"`
	Code            string    `json:"code,omitempty"`
	Message         string    `json:"message,omitempty"`
}

// LIST_LABELS (collaborator -> server)
type ListLabelsMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	ReqID           string      `json:"req_id"`
	Filter          LabelFilter `json:"filter"`
}

type LabelFilter struct {
	LabelType    string  `json:"label_type,omitempty"`
	State        string  `json:"state,omitempty"`
	Owner        string  `json:"owner,omitempty"`
	Unowned      bool    `json:"unowned,omitempty"`
	MinMagnitude float64 `json:"min_magnitude,omitempty"`
	Region       *[4]int `json:"region,omitempty"`
}

// LABELS (server -> collaborator)
type LabelsMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	ReqID           string         `json:"req_id"`
	Tick            uint64         `json:"tick"`
	Labels          []LabelSummary `json:"labels"`
}

type LabelSummary struct {
	ID            uint64     `json:"id"`
	LabelType     string     `json:"label_type"`
	Region        [4]int     `json:"region"`
	Centroid      [2]float64 `json:"centroid"`
	Magnitude     float64    `json:"magnitude"`
	State         string     `json:"state"`
	Owner         string     `json:"owner,omitempty"`
	CreatedTick   uint64     `json:"created_tick"`
	UpdatedTick   uint64     `json:"updated_tick"`
	CooldownUntil uint64     `json:"cooldown_until,omitempty"`
}
