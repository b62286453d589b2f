package center

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"sort"

	"github.com/hu6789/MacroImmunet-demo/internal/sim/field"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/label"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/ownership"
)

type hashWriter interface {
	Write(p []byte) (n int, err error)
}

// stateDigest hashes everything a resumed store must reproduce. Replays compare it
// tick by tick.
func stateDigest(tick uint64, fs *field.Set, reg *label.Registry, led *ownership.Ledger) string {
	h := sha256.New()
	var tmp [8]byte

	digestWriteU64(h, &tmp, tick)
	digestFields(h, &tmp, fs)
	digestLabels(h, &tmp, reg)
	digestOwnership(h, &tmp, led)

	return hex.EncodeToString(h.Sum(nil))
}

func digestFields(h hashWriter, tmp *[8]byte, fs *field.Set) {
	for _, name := range fs.Names() {
		g, _ := fs.Grid(name)
		digestWriteString(h, tmp, name)
		for _, v := range g.Values() {
			digestWriteF64(h, tmp, v)
		}
	}
}

func digestLabels(h hashWriter, tmp *[8]byte, reg *label.Registry) {
	digestWriteU64(h, tmp, reg.NextID())
	for _, l := range reg.List(label.Filter{}) {
		digestWriteU64(h, tmp, uint64(l.ID))
		digestWriteString(h, tmp, l.Type)
		for _, v := range l.Region.Array() {
			digestWriteU64(h, tmp, uint64(int64(v)))
		}
		digestWriteF64(h, tmp, l.Centroid.X)
		digestWriteF64(h, tmp, l.Centroid.Y)
		digestWriteF64(h, tmp, l.Magnitude)
		digestWriteF64(h, tmp, l.HalfLife)
		digestWriteU64(h, tmp, l.CreatedTick)
		digestWriteU64(h, tmp, l.UpdatedTick)
		digestWriteString(h, tmp, string(l.State))
		digestWriteU64(h, tmp, l.StateLockedUntil)
		digestWriteString(h, tmp, l.Owner)
		digestWriteU64(h, tmp, l.CooldownUntil)
		digestWriteU64(h, tmp, uint64(l.SubThresholdTicks))
		h.Write([]byte{boolByte(l.PruneCandidate)})
	}

	succ := reg.Successors()
	ids := make([]label.ID, 0, len(succ))
	for id := range succ {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		digestWriteU64(h, tmp, uint64(id))
		digestWriteU64(h, tmp, uint64(succ[id]))
	}
}

func digestOwnership(h hashWriter, tmp *[8]byte, led *ownership.Ledger) {
	for _, id := range led.IDs() {
		r, _ := led.Record(id)
		digestWriteU64(h, tmp, uint64(id))
		digestWriteString(h, tmp, r.Owner)
		digestWriteU64(h, tmp, r.ClaimTick)
		digestWriteU64(h, tmp, r.CooldownUntil)
	}
}

func digestWriteU64(h hashWriter, tmp *[8]byte, v uint64) {
	binary.LittleEndian.PutUint64(tmp[:], v)
	h.Write(tmp[:])
}

func digestWriteF64(h hashWriter, tmp *[8]byte, v float64) {
	digestWriteU64(h, tmp, math.Float64bits(v))
}

func digestWriteString(h hashWriter, tmp *[8]byte, s string) {
	digestWriteU64(h, tmp, uint64(len(s)))
	h.Write([]byte(s))
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
