package center

import (
	"github.com/hu6789/MacroImmunet-demo/internal/sim/field"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/grid"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/label"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/ownership"
)

// View is the read-only surface handed to collaborators. Every call answers from
// one committed tick.
type View interface {
	Tick() uint64
	Dims() grid.Dims
	FieldNames() []string
	Field(name string, r grid.Region) ([]float64, error)
	Labels(f label.Filter) []label.Label
	Label(id label.ID) (label.Label, bool)
	Owner(id label.ID) (string, bool)
	Successor(id label.ID) (label.ID, bool)
}

// Snapshot is one committed tick. It is never mutated after it is published, so it
// can be shared freely between goroutines.
type Snapshot struct {
	tick      uint64
	fields    *field.Set
	labels    *label.Registry
	ownership *ownership.Ledger
	nextSeq   uint64
	digest    string
}

var _ View = (*Snapshot)(nil)

func (s *Snapshot) Tick() uint64         { return s.tick }
func (s *Snapshot) Digest() string       { return s.digest }
func (s *Snapshot) Dims() grid.Dims      { return s.fields.Dims() }
func (s *Snapshot) FieldNames() []string { return s.fields.Names() }

func (s *Snapshot) Field(name string, r grid.Region) ([]float64, error) {
	return s.fields.Read(name, r)
}

func (s *Snapshot) FieldSum(name string) (float64, error) { return s.fields.Sum(name) }

func (s *Snapshot) Labels(f label.Filter) []label.Label { return s.labels.List(f) }

func (s *Snapshot) Label(id label.ID) (label.Label, bool) { return s.labels.Get(id) }

func (s *Snapshot) LabelCount() int { return s.labels.Len() }

func (s *Snapshot) Owner(id label.ID) (string, bool) { return s.ownership.Owner(id) }

func (s *Snapshot) OwnedCount() int { return s.ownership.Owned() }

func (s *Snapshot) Successor(id label.ID) (label.ID, bool) { return s.labels.Successor(id) }

// Ownership returns a copy of every ownership record, including cooldown-only ones.
func (s *Snapshot) Ownership() map[label.ID]ownership.Record { return s.ownership.Records() }
