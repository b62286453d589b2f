package policy

import (
	"context"
	"sort"
	"sync"

	"github.com/hu6789/MacroImmunet-demo/internal/sim/center"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/grid"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/intent"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/label"
)

// Scanner watches one field and emits labels at its strongest cells. A cell picked
// within the last Cooldown ticks is penalized so hot spots do not monopolize the scan.
type Scanner struct {
	ID        string
	Field     string
	LabelType string
	Threshold float64
	TopK      int
	Cooldown  uint64
	Penalty   float64

	mu   sync.Mutex
	last map[grid.Cell]uint64
}

func (s *Scanner) Name() string {
	if s.ID != "" {
		return s.ID
	}
	return "scan:" + s.Field
}

type candidate struct {
	cell  grid.Cell
	value float64
	score float64
}

func (s *Scanner) Decide(_ context.Context, v center.View) ([]intent.Intent, error) {
	d := v.Dims()
	vals, err := v.Field(s.Field, d.All())
	if err != nil {
		return nil, err
	}
	tick := v.Tick()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		s.last = map[grid.Cell]uint64{}
	}

	var cands []candidate
	for i, val := range vals {
		if val <= 0 || val < s.Threshold {
			continue
		}
		c := grid.Cell{X: i % d.W, Y: i / d.W}
		score := val
		if at, ok := s.last[c]; ok && tick-at <= s.Cooldown {
			score -= s.Penalty
		}
		cands = append(cands, candidate{cell: c, value: val, score: score})
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		return cands[i].value > cands[j].value
	})

	k := s.TopK
	if k <= 0 {
		k = 1
	}
	if len(cands) > k {
		cands = cands[:k]
	}
	typ := s.LabelType
	if typ == "" {
		typ = label.TypeHotspot
	}
	out := make([]intent.Intent, 0, len(cands))
	for _, c := range cands {
		s.last[c.cell] = tick
		out = append(out, intent.Intent{
			Kind: intent.KindEmitLabel,
			Emit: &intent.EmitLabel{Type: typ, Cell: c.cell, Amount: c.value},
		})
	}
	return out, nil
}
