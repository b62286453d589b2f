// Package observer streams a read-only view of the Label Center to local dashboards.
package observer

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hu6789/MacroImmunet-demo/internal/observerproto"
	"github.com/hu6789/MacroImmunet-demo/internal/protocol"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/center"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/encoding"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/label"
	"github.com/hu6789/MacroImmunet-demo/internal/transport/ws"
)

// Store is the read side of the Label Center.
type Store interface {
	Config() center.Config
	Snapshot() *center.Snapshot
	OnReport(fn func(center.Report))
}

type Server struct {
	store Store
	log   *zap.SugaredLogger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64

	mu   sync.Mutex
	subs map[string]*subscriber
}

type subscriber struct {
	mu  sync.Mutex
	sub observerproto.SubscribeMsg
	out chan []byte
}

func NewServer(store Store, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Server{
		store: store,
		log:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		subs: map[string]*subscriber{},
	}
	store.OnReport(s.onReport)
	return s
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		cfg := s.store.Config()
		snap := s.store.Snapshot()
		resp := observerproto.BootstrapResponse{
			ProtocolVersion: observerproto.Version,
			StoreID:         cfg.StoreID,
			Tick:            snap.Tick(),
			Digest:          snap.Digest(),
			Params: protocol.StoreParams{
				GridW:      cfg.Dims.W,
				GridH:      cfg.Dims.H,
				TickRateHz: cfg.TickRateHz,
				Fields:     snap.FieldNames(),
			},
		}

		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sub, ok := parseSubscribe(msg)
		if !ok {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		sid := fmt.Sprintf("O%d", s.nextID.Add(1))
		sb := &subscriber{sub: sub, out: make(chan []byte, 64)}
		s.mu.Lock()
		s.subs[sid] = sb
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.subs, sid)
			s.mu.Unlock()
		}()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b := <-sb.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: allow SUBSCRIBE updates.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if sub, ok := parseSubscribe(msg); ok {
				sb.mu.Lock()
				sb.sub = sub
				sb.mu.Unlock()
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// onReport runs on the committer goroutine after the snapshot is published.
func (s *Server) onReport(rep center.Report) {
	if rep.Aborted {
		// The committed state did not move.
		return
	}
	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.subs))
	for _, sb := range s.subs {
		subs = append(subs, sb)
	}
	s.mu.Unlock()
	if len(subs) == 0 {
		return
	}

	snap := s.store.Snapshot()
	wire := rep.ToMsg()
	for _, sb := range subs {
		sb.mu.Lock()
		sub := sb.sub
		sb.mu.Unlock()

		msg := TickFrame(snap, rep, sub)
		msg.Pruned, msg.Absorbed = wire.Pruned, wire.Absorbed
		push(sb, msg)

		if sub.FieldEveryTicks > 0 && rep.Tick%uint64(sub.FieldEveryTicks) == 0 {
			for _, name := range sub.Fields {
				if fr, ok := FieldFrame(snap, name, sub.FieldStride, sub.FieldEncoding); ok {
					push(sb, fr)
				}
			}
		}
	}
}

// TickFrame builds the per-tick observer message for one subscription.
func TickFrame(snap *center.Snapshot, rep center.Report, sub observerproto.SubscribeMsg) observerproto.TickMsg {
	ls := snap.Labels(label.Filter{Type: sub.LabelType, MinMagnitude: sub.MinMagnitude})
	if len(ls) > sub.MaxLabels {
		ls = ls[:sub.MaxLabels]
	}
	msg := observerproto.TickMsg{
		Type:            observerproto.TypeTick,
		ProtocolVersion: observerproto.Version,
		Tick:            snap.Tick(),
		Digest:          snap.Digest(),
		Applied:         len(rep.Applied),
		Rejected:        len(rep.Rejected),
		LabelCount:      snap.LabelCount(),
		OwnedCount:      snap.OwnedCount(),
		Labels:          make([]protocol.LabelSummary, 0, len(ls)),
	}
	for _, l := range ls {
		msg.Labels = append(msg.Labels, ws.Summary(l))
	}
	return msg
}

// FieldFrame samples field name every stride cells and packs it with enc.
func FieldFrame(snap *center.Snapshot, name string, stride int, enc string) (observerproto.FieldFrameMsg, bool) {
	if stride <= 0 {
		stride = 1
	}
	d := snap.Dims()
	vals, err := snap.Field(name, d.All())
	if err != nil {
		return observerproto.FieldFrameMsg{}, false
	}
	w := (d.W + stride - 1) / stride
	h := (d.H + stride - 1) / stride
	sampled := make([]float64, 0, w*h)
	for y := 0; y < d.H; y += stride {
		for x := 0; x < d.W; x += stride {
			sampled = append(sampled, vals[y*d.W+x])
		}
	}
	msg := observerproto.FieldFrameMsg{
		Type:            observerproto.TypeFieldFrame,
		ProtocolVersion: observerproto.Version,
		Tick:            snap.Tick(),
		Field:           name,
		Stride:          stride,
		W:               w,
		H:               h,
	}
	switch enc {
	case encoding.Q16RLE:
		msg.Encoding = encoding.Q16RLE
		msg.Min, msg.Max, msg.Data = encoding.EncodeQ16RLE(sampled)
	default:
		buf := make([]byte, 0, len(sampled)*4)
		for _, v := range sampled {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(float32(v)))
		}
		msg.Encoding = encoding.F32LE
		msg.Data = base64.StdEncoding.EncodeToString(buf)
	}
	return msg, true
}

func push(sb *subscriber, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case sb.out <- b:
	default:
		// Drop frames under load; the next tick supersedes them.
	}
}

func parseSubscribe(msg []byte) (observerproto.SubscribeMsg, bool) {
	var sub observerproto.SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		return sub, false
	}
	if sub.Type != observerproto.TypeSubscribe || sub.ProtocolVersion != observerproto.Version {
		return sub, false
	}
	normalizeSubscribe(&sub)
	return sub, true
}

func normalizeSubscribe(sub *observerproto.SubscribeMsg) {
	if sub.MaxLabels <= 0 {
		sub.MaxLabels = 256
	}
	if sub.MaxLabels > 4096 {
		sub.MaxLabels = 4096
	}
	if sub.FieldStride <= 0 {
		sub.FieldStride = 1
	}
	if sub.FieldStride > 64 {
		sub.FieldStride = 64
	}
	if sub.FieldEveryTicks < 0 {
		sub.FieldEveryTicks = 0
	}
	if sub.FieldEncoding != encoding.Q16RLE {
		sub.FieldEncoding = encoding.F32LE
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
