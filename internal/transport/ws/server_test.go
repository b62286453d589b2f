package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hu6789/MacroImmunet-demo/internal/protocol"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/center"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/field"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/grid"
)

func newTestServer(t *testing.T, opts Options) (*center.Center, *Server, string) {
	t.Helper()
	c, err := center.New(center.Config{
		StoreID:         "ws-test",
		Dims:            grid.Dims{W: 8, H: 8},
		Fields:          []field.Spec{{Name: "antigen", Initial: 1}},
		TickRateHz:      5,
		PruneThreshold:  0.01,
		PruneAfterTicks: 5,
		CooldownTicks:   2,
		DwellTicks:      1,
	})
	require.NoError(t, err)
	v, err := protocol.NewValidator()
	require.NoError(t, err)

	srv := NewServer(c, v, opts, nil)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return c, srv, "ws" + strings.TrimPrefix(hs.URL, "http")
}

func dial(t *testing.T, url string, reports bool) (*websocket.Conn, protocol.WelcomeMsg) {
	t.Helper()
	return dialAs(t, url, "scan-1", reports)
}

func dialAs(t *testing.T, url, collaborator string, reports bool) (*websocket.Conn, protocol.WelcomeMsg) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	send(t, conn, protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		Collaborator:    collaborator,
		Capabilities:    protocol.HelloCapabilities{Reports: reports},
	})
	var w protocol.WelcomeMsg
	recv(t, conn, protocol.TypeWelcome, &w)
	return conn, w
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, b))
}

func recv(t *testing.T, conn *websocket.Conn, wantType string, v any) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, b, err := conn.ReadMessage()
	require.NoError(t, err)
	base, err := protocol.DecodeBase(b)
	require.NoError(t, err)
	require.Equal(t, wantType, base.Type, "message: %s", b)
	require.NoError(t, json.Unmarshal(b, v))
}

func submit(t *testing.T, conn *websocket.Conn, reqID string, in protocol.IntentMsg) protocol.AckMsg {
	t.Helper()
	send(t, conn, protocol.SubmitMsg{Type: protocol.TypeSubmit, ProtocolVersion: protocol.Version, ReqID: reqID, Intent: in})
	var ack protocol.AckMsg
	recv(t, conn, protocol.TypeAck, &ack)
	require.Equal(t, reqID, ack.AckFor)
	return ack
}

func waitSessions(t *testing.T, srv *Server, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return srv.Sessions() == n }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_WelcomeCarriesStoreParams(t *testing.T) {
	_, _, url := newTestServer(t, Options{})
	_, w := dial(t, url, false)

	assert.NotEmpty(t, w.SessionID)
	assert.Equal(t, uint64(0), w.CommittedTick)
	assert.Equal(t, protocol.StoreParams{GridW: 8, GridH: 8, TickRateHz: 5, Fields: []string{"antigen"}}, w.Params)
}

func TestServer_SubmitAckAndReport(t *testing.T) {
	c, srv, url := newTestServer(t, Options{PerceptionThreshold: 0.5})
	conn, _ := dial(t, url, true)
	waitSessions(t, srv, 1)

	// Not staging yet.
	ack := submit(t, conn, "r0", protocol.IntentMsg{Kind: "claim-label", Label: 1, Owner: "scan-1"})
	assert.False(t, ack.Accepted)
	assert.Equal(t, protocol.ErrPhase, ack.Code)

	_, err := c.BeginTick()
	require.NoError(t, err)

	mag := 3.0
	ack = submit(t, conn, "r1", protocol.IntentMsg{Kind: "create-label", LabelType: "hotspot", Region: &[4]int{1, 1, 2, 2}, Magnitude: &mag})
	require.True(t, ack.Accepted, "ack: %+v", ack)
	assert.Equal(t, uint64(1), ack.Seq)
	assert.Equal(t, uint64(1), ack.Tick)

	ack = submit(t, conn, "r2", protocol.IntentMsg{Kind: "field-delta", Field: "antigen", Region: &[4]int{0, 0, 9, 9}, Delta: 1})
	assert.False(t, ack.Accepted)
	assert.Equal(t, protocol.ErrInvalidRegion, ack.Code)

	ack = submit(t, conn, "r3", protocol.IntentMsg{Kind: "teleport"})
	assert.False(t, ack.Accepted)
	assert.Equal(t, protocol.ErrProtoBadRequest, ack.Code, "schema rejects unknown kinds")

	_, err = c.Commit(context.Background())
	require.NoError(t, err)

	var rep protocol.ReportMsg
	recv(t, conn, protocol.TypeReport, &rep)
	assert.Equal(t, uint64(1), rep.Tick)
	assert.Equal(t, []uint64{1}, rep.Applied)
	assert.Equal(t, map[string]uint64{"1": 1}, rep.Created)
	assert.Equal(t, c.Snapshot().Digest(), rep.Digest)

	send(t, conn, protocol.ListLabelsMsg{Type: protocol.TypeListLabels, ProtocolVersion: protocol.Version, ReqID: "l1"})
	var labels protocol.LabelsMsg
	recv(t, conn, protocol.TypeLabels, &labels)
	require.Len(t, labels.Labels, 1)
	assert.Equal(t, "hotspot", labels.Labels[0].LabelType)
	assert.Equal(t, [4]int{1, 1, 2, 2}, labels.Labels[0].Region)
	assert.Equal(t, [2]float64{1.5, 1.5}, labels.Labels[0].Centroid)

	send(t, conn, protocol.ListLabelsMsg{Type: protocol.TypeListLabels, ProtocolVersion: protocol.Version, ReqID: "l2", Filter: protocol.LabelFilter{MinMagnitude: 10}})
	recv(t, conn, protocol.TypeLabels, &labels)
	assert.Empty(t, labels.Labels)
}

func TestServer_ReadField(t *testing.T) {
	_, _, url := newTestServer(t, Options{})
	conn, _ := dial(t, url, false)

	send(t, conn, protocol.ReadFieldMsg{Type: protocol.TypeReadField, ProtocolVersion: protocol.Version, ReqID: "f1", Field: "antigen", Region: &[4]int{0, 0, 1, 0}})
	var f protocol.FieldMsg
	recv(t, conn, protocol.TypeField, &f)
	assert.Equal(t, "f1", f.ReqID)
	assert.Equal(t, []float64{1, 1}, f.Values)
	assert.Empty(t, f.Code)

	send(t, conn, protocol.ReadFieldMsg{Type: protocol.TypeReadField, ProtocolVersion: protocol.Version, ReqID: "f2", Field: "antigen"})
	recv(t, conn, protocol.TypeField, &f)
	assert.Len(t, f.Values, 64)
	assert.Equal(t, [4]int{0, 0, 7, 7}, f.Region)

	send(t, conn, protocol.ReadFieldMsg{Type: protocol.TypeReadField, ProtocolVersion: protocol.Version, ReqID: "f3", Field: "nope"})
	f = protocol.FieldMsg{}
	recv(t, conn, protocol.TypeField, &f)
	assert.Equal(t, protocol.ErrValidation, f.Code)
	assert.Empty(t, f.Values)
}

func TestServer_RateLimitsSubmits(t *testing.T) {
	c, _, url := newTestServer(t, Options{SubmitPerSecond: 0.001, SubmitBurst: 1})
	conn, _ := dial(t, url, false)
	_, err := c.BeginTick()
	require.NoError(t, err)

	ack := submit(t, conn, "a", protocol.IntentMsg{Kind: "claim-label", Label: 1, Owner: "scan-1"})
	assert.True(t, ack.Accepted)
	ack = submit(t, conn, "b", protocol.IntentMsg{Kind: "claim-label", Label: 1, Owner: "scan-1"})
	assert.False(t, ack.Accepted)
	assert.Equal(t, protocol.ErrRateLimit, ack.Code)
}

func TestServer_OwnerBoundToSession(t *testing.T) {
	c, srv, url := newTestServer(t, Options{})
	conn, _ := dial(t, url, false)
	other, _ := dialAs(t, url, "scan-2", false)
	waitSessions(t, srv, 2)

	_, err := c.BeginTick()
	require.NoError(t, err)
	mag := 2.0
	ack := submit(t, conn, "c1", protocol.IntentMsg{Kind: "create-label", LabelType: "hotspot", Region: &[4]int{1, 1, 2, 2}, Magnitude: &mag})
	require.True(t, ack.Accepted, "ack: %+v", ack)
	_, err = c.Commit(context.Background())
	require.NoError(t, err)

	_, err = c.BeginTick()
	require.NoError(t, err)
	ack = submit(t, conn, "c2", protocol.IntentMsg{Kind: "claim-label", Label: 1, Owner: "scan-2"})
	assert.False(t, ack.Accepted)
	assert.Equal(t, protocol.ErrValidation, ack.Code)
	assert.Contains(t, ack.Message, "collaborator")

	ack = submit(t, conn, "c3", protocol.IntentMsg{Kind: "claim-label", Label: 1, Owner: "scan-1"})
	require.True(t, ack.Accepted, "ack: %+v", ack)
	_, err = c.Commit(context.Background())
	require.NoError(t, err)
	lb, ok := c.Snapshot().Label(1)
	require.True(t, ok)
	assert.Equal(t, "scan-1", lb.Owner)

	// The other session cannot release by naming the holder.
	_, err = c.BeginTick()
	require.NoError(t, err)
	ack = submit(t, other, "r1", protocol.IntentMsg{Kind: "release-label", Label: 1, Owner: "scan-1"})
	assert.False(t, ack.Accepted)
	assert.Equal(t, protocol.ErrValidation, ack.Code)
}

func TestServer_RejectsNonHello(t *testing.T) {
	_, srv, url := newTestServer(t, Options{})
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	send(t, conn, protocol.ReadFieldMsg{Type: protocol.TypeReadField, ProtocolVersion: protocol.Version, ReqID: "x", Field: "antigen"})
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = conn.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.ClosePolicyViolation, ce.Code)
	assert.Equal(t, 0, srv.Sessions())
}

func TestServer_SessionsUnregisterOnClose(t *testing.T) {
	_, srv, url := newTestServer(t, Options{})
	conn, _ := dial(t, url, false)
	waitSessions(t, srv, 1)
	require.NoError(t, conn.Close())
	waitSessions(t, srv, 0)
}
