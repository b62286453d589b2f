// Package arbiter orders same-tick intents deterministically and picks the winner
// when several collaborators claim the same label.
package arbiter

import (
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/hu6789/MacroImmunet-demo/internal/sim/label"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/simerr"
)

// Key ranks an intent inside a phase. Higher priority first, then submission order,
// then target label.
type Key struct {
	Priority int
	Seq      uint64
	Label    label.ID
}

// Less reports whether a beats b.
func Less(a, b Key) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	return a.Label < b.Label
}

// Order sorts items in place by key, winners first. The result does not depend on
// the input order.
func Order[T any](items []T, key func(T) Key) {
	sort.SliceStable(items, func(i, j int) bool { return Less(key(items[i]), key(items[j])) })
}

type Claim struct {
	Key
	Owner string
}

type Decision struct {
	Claim Claim
	Won   bool
	Err   error
}

// Ownership is the read side of the ledger the arbiter consults.
type Ownership interface {
	Owner(id label.ID) (string, bool)
	CooldownUntil(id label.ID) uint64
}

// ResolveClaims decides every claim on the tick's ledger state. Per label: an owned
// label rejects all claims, a cooling label rejects all claims, otherwise the
// lowest key wins and the rest lose. Decisions come back in key order.
func ResolveClaims(claims []Claim, own Ownership, tick uint64) []Decision {
	sorted := append([]Claim(nil), claims...)
	Order(sorted, func(c Claim) Key { return c.Key })

	decided := map[label.ID]string{}
	out := make([]Decision, 0, len(sorted))
	for _, c := range sorted {
		d := Decision{Claim: c}
		id := c.Label
		switch owner, owned := own.Owner(id); {
		case owned:
			d.Err = errors.Wrapf(simerr.ErrOwnershipConflict, "%s already owned by %s", id, owner)
		case tick < own.CooldownUntil(id):
			d.Err = errors.Wrapf(simerr.ErrCooldownActive, "%s cooling down until tick %d", id, own.CooldownUntil(id))
		default:
			if winner, taken := decided[id]; taken {
				d.Err = errors.Wrapf(simerr.ErrOwnershipConflict, "%s lost arbitration to %s", id, winner)
			} else {
				decided[id] = c.Owner
				d.Won = true
			}
		}
		out = append(out, d)
	}
	return out
}
