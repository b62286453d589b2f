// Package ws serves the collaborator protocol over websocket: collaborators read the
// committed snapshot, submit intents and receive one REPORT per committed tick.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hu6789/MacroImmunet-demo/internal/observability"
	"github.com/hu6789/MacroImmunet-demo/internal/protocol"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/center"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/intent"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/simerr"
)

// Store is the part of the Label Center the transport needs.
type Store interface {
	Config() center.Config
	View() center.View
	Admit(in intent.Intent) (seq, tick uint64, err error)
	OnReport(fn func(center.Report))
}

type Options struct {
	SubmitPerSecond float64
	SubmitBurst     int
	// Default LIST_LABELS min_magnitude when the filter leaves it at zero.
	PerceptionThreshold float64
}

type Server struct {
	store     Store
	validator *protocol.Validator
	opts      Options
	log       *zap.SugaredLogger

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	id           string
	collaborator string
	reports      bool
	out          chan []byte
	limiter      *rate.Limiter
	dropped      atomic.Uint64
}

func NewServer(store Store, v *protocol.Validator, opts Options, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Server{
		store:     store,
		validator: v,
		opts:      opts,
		log:       logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		sessions: map[string]*session{},
	}
	store.OnReport(s.broadcast)
	return s
}

// Sessions returns the number of connected collaborators.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sess := s.handshake(conn)
		if sess == nil {
			return
		}
		s.register(sess)
		defer s.unregister(sess)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-sess.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if ctx.Err() != nil {
				break
			}
			s.dispatch(sess, msg)
		}
	}
}

func (s *Server) handshake(conn *websocket.Conn) *session {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		closePolicy(conn, "expected HELLO")
		return nil
	}
	if err := s.validator.Validate(protocol.TypeHello, msg); err != nil {
		closePolicy(conn, "bad HELLO")
		return nil
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return nil
	}
	if hello.ProtocolVersion != protocol.Version {
		closePolicy(conn, "bad protocol_version")
		return nil
	}

	maxQ := hello.Capabilities.MaxQueue
	if maxQ <= 0 {
		maxQ = 16
	}
	if maxQ > 256 {
		maxQ = 256
	}

	lim := rate.NewLimiter(rate.Inf, 0)
	if s.opts.SubmitPerSecond > 0 {
		burst := s.opts.SubmitBurst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(s.opts.SubmitPerSecond), burst)
	}

	sess := &session{
		id:           uuid.NewString(),
		collaborator: hello.Collaborator,
		reports:      hello.Capabilities.Reports,
		out:          make(chan []byte, maxQ),
		limiter:      lim,
	}

	cfg := s.store.Config()
	view := s.store.View()
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       sess.id,
		CommittedTick:   view.Tick(),
		Params: protocol.StoreParams{
			GridW:      cfg.Dims.W,
			GridH:      cfg.Dims.H,
			TickRateHz: cfg.TickRateHz,
			Fields:     view.FieldNames(),
		},
	}
	// Queued ahead of any report so the writer sends it first.
	s.send(sess, welcome)
	return sess
}

func (s *Server) register(sess *session) {
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	observability.RecordSession(1)
	s.log.Infow("collaborator connected", "session", sess.id, "collaborator", sess.collaborator)
}

func (s *Server) unregister(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
	observability.RecordSession(-1)
	s.log.Infow("collaborator disconnected", "session", sess.id, "collaborator", sess.collaborator, "dropped", sess.dropped.Load())
}

func (s *Server) dispatch(sess *session, msg []byte) {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		s.send(sess, nack("", protocol.ErrProtoBadRequest, "malformed json"))
		return
	}
	switch base.Type {
	case protocol.TypeSubmit:
		s.handleSubmit(sess, msg)
	case protocol.TypeReadField:
		s.handleReadField(sess, msg)
	case protocol.TypeListLabels:
		s.handleListLabels(sess, msg)
	default:
		s.send(sess, nack(reqIDOf(msg), protocol.ErrProtoBadRequest, "unsupported message type "+base.Type))
	}
}

func (s *Server) handleSubmit(sess *session, msg []byte) {
	reqID := reqIDOf(msg)
	if !sess.limiter.Allow() {
		s.send(sess, nack(reqID, protocol.ErrRateLimit, "submit rate exceeded"))
		return
	}
	if err := s.validator.Validate(protocol.TypeSubmit, msg); err != nil {
		s.send(sess, nack(reqID, protocol.ErrProtoBadRequest, err.Error()))
		return
	}
	var sub protocol.SubmitMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		s.send(sess, nack(reqID, protocol.ErrProtoBadRequest, err.Error()))
		return
	}
	if sub.ProtocolVersion != protocol.Version {
		s.send(sess, nack(reqID, protocol.ErrProtoBadRequest, "bad protocol_version"))
		return
	}
	in, err := intent.FromMsg(sub.Intent, sess.collaborator)
	if err != nil {
		s.send(sess, nack(reqID, simerr.Code(err), err.Error()))
		return
	}
	if err := bindOwner(&in, sess.collaborator); err != nil {
		s.send(sess, nack(reqID, simerr.Code(err), err.Error()))
		return
	}
	seq, tick, err := s.store.Admit(in)
	if err != nil {
		s.send(sess, nack(reqID, simerr.Code(err), err.Error()))
		return
	}
	s.send(sess, protocol.AckMsg{
		Type:            protocol.TypeAck,
		ProtocolVersion: protocol.Version,
		AckFor:          reqID,
		Accepted:        true,
		Seq:             seq,
		Tick:            tick,
	})
}

// bindOwner ties claim and release to the identity the session presented in
// HELLO. A session cannot claim or release on another collaborator's behalf.
func bindOwner(in *intent.Intent, collaborator string) error {
	if in.Kind != intent.KindClaimLabel && in.Kind != intent.KindReleaseLabel {
		return nil
	}
	if in.Owner == "" {
		in.Owner = collaborator
		return nil
	}
	if in.Owner != collaborator {
		return simerr.Validationf("owner %q is not this session's collaborator %q", in.Owner, collaborator)
	}
	return nil
}

func (s *Server) handleReadField(sess *session, msg []byte) {
	reqID := reqIDOf(msg)
	if err := s.validator.Validate(protocol.TypeReadField, msg); err != nil {
		s.send(sess, nack(reqID, protocol.ErrProtoBadRequest, err.Error()))
		return
	}
	var rf protocol.ReadFieldMsg
	if err := json.Unmarshal(msg, &rf); err != nil {
		s.send(sess, nack(reqID, protocol.ErrProtoBadRequest, err.Error()))
		return
	}
	s.send(sess, ReadField(s.store.View(), rf))
}

func (s *Server) handleListLabels(sess *session, msg []byte) {
	reqID := reqIDOf(msg)
	if err := s.validator.Validate(protocol.TypeListLabels, msg); err != nil {
		s.send(sess, nack(reqID, protocol.ErrProtoBadRequest, err.Error()))
		return
	}
	var ll protocol.ListLabelsMsg
	if err := json.Unmarshal(msg, &ll); err != nil {
		s.send(sess, nack(reqID, protocol.ErrProtoBadRequest, err.Error()))
		return
	}
	s.send(sess, ListLabels(s.store.View(), ll, s.opts.PerceptionThreshold))
}

// broadcast runs on the committer goroutine; slow sessions drop reports.
func (s *Server) broadcast(rep center.Report) {
	b, err := json.Marshal(rep.ToMsg())
	if err != nil {
		s.log.Warnw("marshal report", "tick", rep.Tick, "error", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if !sess.reports {
			continue
		}
		select {
		case sess.out <- b:
		default:
			sess.dropped.Add(1)
		}
	}
}

func (s *Server) send(sess *session, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case sess.out <- b:
	default:
		sess.dropped.Add(1)
	}
}

func nack(reqID, code, message string) protocol.AckMsg {
	return protocol.AckMsg{
		Type:            protocol.TypeAck,
		ProtocolVersion: protocol.Version,
		AckFor:          reqID,
		Code:            code,
		Message:         message,
	}
}

func reqIDOf(msg []byte) string {
	var v struct {
		ReqID string `json:"req_id"`
	}
	_ = json.Unmarshal(msg, &v)
	return v.ReqID
}

func closePolicy(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), time.Now().Add(time.Second))
}

