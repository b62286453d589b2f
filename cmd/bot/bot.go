package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/hu6789/MacroImmunet-demo/internal/protocol"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/intent"
)

const (
	reqUnowned = "unowned-"
	reqMine    = "mine-"
	reqClaim   = "claim-"
	reqRelease = "release-"
)

type botConfig struct {
	Name         string
	LabelType    string
	Every        uint64
	MaxOwned     int
	MinMagnitude float64
	ReleaseBelow float64
}

// claimBot is a collaborator that claims the strongest unowned labels and lets go
// of its own labels once they fade. Claims only count once a REPORT applies them.
type claimBot struct {
	cfg botConfig
	log *zap.SugaredLogger

	n int
	// label id by request id, for submits still waiting for an ACK
	awaitingAck map[string]uint64
	// label id by seq, for accepted submits waiting for their REPORT
	staged   map[uint64]uint64
	releases map[uint64]uint64 // seq -> label
	owned    map[uint64]bool
}

func newClaimBot(cfg botConfig, log *zap.SugaredLogger) *claimBot {
	if cfg.Every == 0 {
		cfg.Every = 1
	}
	if cfg.MaxOwned <= 0 {
		cfg.MaxOwned = 1
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &claimBot{
		cfg:         cfg,
		log:         log,
		awaitingAck: map[string]uint64{},
		staged:      map[uint64]uint64{},
		releases:    map[uint64]uint64{},
		owned:       map[uint64]bool{},
	}
}

func (b *claimBot) hello() protocol.HelloMsg {
	return protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		Collaborator:    b.cfg.Name,
		Capabilities:    protocol.HelloCapabilities{Reports: true, MaxQueue: 64},
	}
}

func (b *claimBot) nextID(prefix string) string {
	b.n++
	return prefix + strconv.Itoa(b.n)
}

// Handle consumes one server message and returns the messages to send back.
func (b *claimBot) Handle(raw []byte) ([]any, error) {
	base, err := protocol.DecodeBase(raw)
	if err != nil {
		return nil, err
	}
	switch base.Type {
	case protocol.TypeWelcome:
		var w protocol.WelcomeMsg
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, err
		}
		b.log.Infow("welcome", "session", w.SessionID, "tick", w.CommittedTick, "grid", fmt.Sprintf("%dx%d", w.Params.GridW, w.Params.GridH))
		return b.poll(), nil
	case protocol.TypeReport:
		var rep protocol.ReportMsg
		if err := json.Unmarshal(raw, &rep); err != nil {
			return nil, err
		}
		b.onReport(rep)
		if rep.Tick%b.cfg.Every == 0 {
			return b.poll(), nil
		}
	case protocol.TypeAck:
		var ack protocol.AckMsg
		if err := json.Unmarshal(raw, &ack); err != nil {
			return nil, err
		}
		b.onAck(ack)
	case protocol.TypeLabels:
		var ls protocol.LabelsMsg
		if err := json.Unmarshal(raw, &ls); err != nil {
			return nil, err
		}
		return b.onLabels(ls), nil
	}
	return nil, nil
}

func (b *claimBot) poll() []any {
	return []any{
		protocol.ListLabelsMsg{
			Type: protocol.TypeListLabels, ProtocolVersion: protocol.Version, ReqID: b.nextID(reqUnowned),
			Filter: protocol.LabelFilter{LabelType: b.cfg.LabelType, Unowned: true, MinMagnitude: b.cfg.MinMagnitude},
		},
		protocol.ListLabelsMsg{
			Type: protocol.TypeListLabels, ProtocolVersion: protocol.Version, ReqID: b.nextID(reqMine),
			Filter: protocol.LabelFilter{Owner: b.cfg.Name},
		},
	}
}

func (b *claimBot) onAck(ack protocol.AckMsg) {
	id, ok := b.awaitingAck[ack.AckFor]
	if !ok {
		return
	}
	delete(b.awaitingAck, ack.AckFor)
	if !ack.Accepted {
		b.log.Debugw("submit refused", "req", ack.AckFor, "label", id, "code", ack.Code)
		return
	}
	if strings.HasPrefix(ack.AckFor, reqRelease) {
		b.releases[ack.Seq] = id
	} else {
		b.staged[ack.Seq] = id
	}
}

func (b *claimBot) onReport(rep protocol.ReportMsg) {
	for _, seq := range rep.Applied {
		if id, ok := b.staged[seq]; ok {
			b.owned[id] = true
			b.log.Infow("claimed", "label", id, "tick", rep.Tick)
		}
		if id, ok := b.releases[seq]; ok {
			delete(b.owned, id)
			b.log.Infow("released", "label", id, "tick", rep.Tick)
		}
	}
	for _, rj := range rep.Rejected {
		if id, ok := b.staged[rj.Seq]; ok {
			b.log.Debugw("claim lost", "label", id, "code", rj.Code)
		}
	}
	// Every staged submit is resolved by the report of its tick.
	clear(b.staged)
	clear(b.releases)

	for _, id := range rep.Pruned {
		delete(b.owned, id)
	}
	for k := range rep.Absorbed {
		if id, err := strconv.ParseUint(k, 10, 64); err == nil {
			delete(b.owned, id)
		}
	}
}

func (b *claimBot) inFlight() int {
	n := len(b.staged)
	for rid := range b.awaitingAck {
		if strings.HasPrefix(rid, reqClaim) {
			n++
		}
	}
	return n
}

func (b *claimBot) releasing(id uint64) bool {
	for rid, l := range b.awaitingAck {
		if l == id && strings.HasPrefix(rid, reqRelease) {
			return true
		}
	}
	for _, l := range b.releases {
		if l == id {
			return true
		}
	}
	return false
}

func (b *claimBot) onLabels(ls protocol.LabelsMsg) []any {
	var out []any
	switch {
	case strings.HasPrefix(ls.ReqID, reqMine):
		// Labels under the server's perception threshold are not listed, so this
		// only ever adds to owned (e.g. claims made before a reconnect).
		for _, l := range ls.Labels {
			b.owned[l.ID] = true
			if b.cfg.ReleaseBelow > 0 && l.Magnitude < b.cfg.ReleaseBelow && !b.releasing(l.ID) {
				out = append(out, b.submit(reqRelease, l.ID, protocol.IntentMsg{Kind: string(intent.KindReleaseLabel), Label: l.ID, Owner: b.cfg.Name}))
			}
		}

	case strings.HasPrefix(ls.ReqID, reqUnowned):
		room := b.cfg.MaxOwned - len(b.owned) - b.inFlight()
		if room <= 0 {
			return nil
		}
		cands := append([]protocol.LabelSummary(nil), ls.Labels...)
		sort.SliceStable(cands, func(i, j int) bool {
			if cands[i].Magnitude != cands[j].Magnitude {
				return cands[i].Magnitude > cands[j].Magnitude
			}
			return cands[i].ID < cands[j].ID
		})
		for _, l := range cands {
			if room == 0 {
				break
			}
			if l.CooldownUntil > ls.Tick {
				continue
			}
			out = append(out, b.submit(reqClaim, l.ID, protocol.IntentMsg{Kind: string(intent.KindClaimLabel), Label: l.ID, Owner: b.cfg.Name}))
			room--
		}
	}
	return out
}

func (b *claimBot) submit(prefix string, id uint64, in protocol.IntentMsg) protocol.SubmitMsg {
	rid := b.nextID(prefix)
	b.awaitingAck[rid] = id
	return protocol.SubmitMsg{Type: protocol.TypeSubmit, ProtocolVersion: protocol.Version, ReqID: rid, Intent: in}
}

// Owned returns the labels the bot currently believes it holds, ascending.
func (b *claimBot) Owned() []uint64 {
	out := make([]uint64, 0, len(b.owned))
	for id := range b.owned {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
