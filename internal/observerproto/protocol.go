package observerproto

import "github.com/hu6789/MacroImmunet-demo/internal/protocol"

// Version is the observer protocol version (separate from the collaborator WS protocol).
const Version = "0.1"

const (
	TypeSubscribe  = "SUBSCRIBE"
	TypeTick       = "TICK"
	TypeFieldFrame = "FIELD_FRAME"
)

// Client -> Server. First message on the observer WS connection, and can be re-sent to update settings.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	LabelType    string  `json:"label_type,omitempty"`
	MinMagnitude float64 `json:"min_magnitude,omitempty"`
	MaxLabels    int     `json:"max_labels"`

	// Fields to stream as downsampled frames, every FieldEveryTicks ticks.
	Fields          []string `json:"fields,omitempty"`
	FieldStride     int      `json:"field_stride,omitempty"`
	FieldEveryTicks int      `json:"field_every_ticks,omitempty"`
	// "F32LE_B64" (default) or "Q16RLE_B64".
	FieldEncoding string `json:"field_encoding,omitempty"`
}

// HTTP response for GET /admin/v1/observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string               `json:"protocol_version"`
	StoreID         string               `json:"store_id"`
	Tick            uint64               `json:"tick"`
	Digest          string               `json:"digest"`
	Params          protocol.StoreParams `json:"params"`
}

// Server -> Client. Sent every committed tick.
type TickMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint64 `json:"tick"`
	Digest          string `json:"digest"`

	Applied  int `json:"applied"`
	Rejected int `json:"rejected"`

	LabelCount int                     `json:"label_count"`
	OwnedCount int                     `json:"owned_count"`
	Labels     []protocol.LabelSummary `json:"labels"`

	Pruned   []uint64          `json:"pruned,omitempty"`
	Absorbed map[string]uint64 `json:"absorbed,omitempty"`
}

// Server -> Client. One field, sampled every Stride cells in each axis.
// Encoding "F32LE_B64": base64 of little-endian float32, row-major, W*H values.
// Encoding "Q16RLE_B64": values quantized to 0..65535 across [Min, Max], then
// base64 of uvarint (level, run) pairs.
type FieldFrameMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint64 `json:"tick"`
	Field           string `json:"field"`
	Stride          int    `json:"stride"`
	W               int    `json:"w"`
	H               int    `json:"h"`
	Encoding        string `json:"encoding"`
	Data            string `json:"data"`

	Min float64 `json:"min,omitempty"`
	Max float64 `json:"max,omitempty"`
}
