// Package ownership records which collaborator owns each label and enforces the
// post-release cooldown.
package ownership

import (
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/hu6789/MacroImmunet-demo/internal/sim/label"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/simerr"
)

// Record is kept after release so the cooldown survives.
type Record struct {
	Owner         string `json:"owner,omitempty"`
	ClaimTick     uint64 `json:"claim_tick,omitempty"`
	CooldownUntil uint64 `json:"cooldown_until,omitempty"`
}

type Ledger struct {
	cooldown uint64
	records  map[label.ID]Record
}

// NewLedger builds an empty ledger. A release locks the label for max(cooldown, 1) ticks.
func NewLedger(cooldown uint64) *Ledger {
	return &Ledger{cooldown: max(cooldown, 1), records: map[label.ID]Record{}}
}

func Restore(cooldown uint64, records map[label.ID]Record) *Ledger {
	l := NewLedger(cooldown)
	for id, r := range records {
		l.records[id] = r
	}
	return l
}

func (l *Ledger) Clone() *Ledger { return Restore(l.cooldown, l.records) }

func (l *Ledger) Cooldown() uint64 { return l.cooldown }

func (l *Ledger) Owner(id label.ID) (string, bool) {
	r, ok := l.records[id]
	if !ok || r.Owner == "" {
		return "", false
	}
	return r.Owner, true
}

func (l *Ledger) Record(id label.ID) (Record, bool) {
	r, ok := l.records[id]
	return r, ok
}

// CooldownUntil is the first tick a claim on id may succeed.
func (l *Ledger) CooldownUntil(id label.ID) uint64 { return l.records[id].CooldownUntil }

// Claim makes owner the owner of id at tick.
func (l *Ledger) Claim(id label.ID, owner string, tick uint64) error {
	if owner == "" {
		return simerr.Validationf("claim %s: empty owner", id)
	}
	r := l.records[id]
	if r.Owner != "" {
		return errors.Wrapf(simerr.ErrOwnershipConflict, "%s already owned by %s", id, r.Owner)
	}
	if tick < r.CooldownUntil {
		return errors.Wrapf(simerr.ErrCooldownActive, "%s cooling down until tick %d", id, r.CooldownUntil)
	}
	l.records[id] = Record{Owner: owner, ClaimTick: tick, CooldownUntil: r.CooldownUntil}
	return nil
}

// Release clears ownership and starts the cooldown.
func (l *Ledger) Release(id label.ID, owner string, tick uint64) error {
	r := l.records[id]
	if r.Owner == "" || r.Owner != owner {
		return errors.Wrapf(simerr.ErrNotOwner, "%s release by %q, owner %q", id, owner, r.Owner)
	}
	l.records[id] = Record{CooldownUntil: tick + l.cooldown}
	return nil
}

// Forget drops the record of a label that left the registry.
func (l *Ledger) Forget(id label.ID) { delete(l.records, id) }

func (l *Ledger) Len() int { return len(l.records) }

// Owned returns the number of labels with an owner.
func (l *Ledger) Owned() int {
	n := 0
	for _, r := range l.records {
		if r.Owner != "" {
			n++
		}
	}
	return n
}

// Records returns a copy of all records.
func (l *Ledger) Records() map[label.ID]Record {
	out := make(map[label.ID]Record, len(l.records))
	for id, r := range l.records {
		out[id] = r
	}
	return out
}

// IDs returns record keys in ascending order.
func (l *Ledger) IDs() []label.ID {
	ids := make([]label.ID, 0, len(l.records))
	for id := range l.records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
