package centertest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hu6789/MacroImmunet-demo/internal/protocol"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/label"
)

func TestDeterminism_SameIntentsSameDigest(t *testing.T) {
	h1 := NewHarness(t, Config())
	h2 := NewHarness(t, Config())
	require.Equal(t, h1.Digest(), h2.Digest(), "genesis digests differ")

	d1 := h1.StepFor(60, Workload)
	d2 := h2.StepFor(60, Workload)
	for i := range d1 {
		if d1[i] != d2[i] {
			t.Fatalf("digest mismatch at tick %d: %s vs %s", i+1, d1[i], d2[i])
		}
	}
	assert.Equal(t, uint64(60), h1.Tick())

	// The workload must actually reach the rejection and creation paths.
	codes := map[string]int{}
	created := 0
	for _, rep := range h1.Reports {
		for _, rj := range rep.Rejected {
			codes[rj.Code]++
		}
		created += len(rep.Created)
	}
	assert.Positive(t, created)
	assert.Positive(t, codes[protocol.ErrConflict])
	assert.Positive(t, codes[protocol.ErrNotFound])
}

func TestDeterminism_DigestIgnoresSubmissionInterleaving(t *testing.T) {
	// Intents of different phases commute: the phase order makes the outcome identical.
	h1 := NewHarness(t, Config())
	h2 := NewHarness(t, Config())

	a := FieldDelta("antigen", At(3, 3), 5)
	b := Create(label.TypeHotspot, At(8, 8), 2)
	c := FieldDelta("il2", Rect(0, 0, 3, 3), 1)

	r1 := h1.Step(a, b, c)
	r2 := h2.Step(c, b, a)
	assert.Equal(t, r1.Digest, r2.Digest)
	assert.Len(t, r1.Applied, 3)
	assert.Len(t, r2.Applied, 3)
}

func TestDeterminism_DifferentStreamsDiverge(t *testing.T) {
	h1 := NewHarness(t, Config())
	h2 := NewHarness(t, Config())
	h1.Step(FieldDelta("antigen", At(0, 0), 1))
	h2.Step(FieldDelta("antigen", At(0, 0), 2))
	assert.NotEqual(t, h1.Digest(), h2.Digest())
}
