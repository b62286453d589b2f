package ownership

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hu6789/MacroImmunet-demo/internal/sim/simerr"
)

func TestClaimReleaseCooldown(t *testing.T) {
	l := NewLedger(3)

	require.NoError(t, l.Claim(7, "A", 1))
	owner, ok := l.Owner(7)
	require.True(t, ok)
	assert.Equal(t, "A", owner)

	err := l.Claim(7, "B", 2)
	assert.True(t, errors.Is(err, simerr.ErrOwnershipConflict))

	err = l.Release(7, "B", 4)
	assert.True(t, errors.Is(err, simerr.ErrNotOwner))
	assert.True(t, errors.Is(err, simerr.ErrOwnershipConflict))

	require.NoError(t, l.Release(7, "A", 5))
	_, ok = l.Owner(7)
	assert.False(t, ok)
	assert.Equal(t, uint64(8), l.CooldownUntil(7))

	for tick := uint64(5); tick < 8; tick++ {
		err = l.Claim(7, "B", tick)
		assert.True(t, errors.Is(err, simerr.ErrCooldownActive), "tick %d", tick)
	}
	require.NoError(t, l.Claim(7, "B", 8))
	r, _ := l.Record(7)
	assert.Equal(t, Record{Owner: "B", ClaimTick: 8, CooldownUntil: 8}, r)
}

func TestZeroCooldownStillBlocksSameTick(t *testing.T) {
	l := NewLedger(0)
	require.NoError(t, l.Claim(1, "A", 10))
	require.NoError(t, l.Release(1, "A", 10))
	err := l.Claim(1, "B", 10)
	assert.True(t, errors.Is(err, simerr.ErrCooldownActive))
	assert.NoError(t, l.Claim(1, "B", 11))
}

func TestReleaseUnowned(t *testing.T) {
	l := NewLedger(1)
	err := l.Release(3, "A", 1)
	assert.True(t, errors.Is(err, simerr.ErrNotOwner))
	err = l.Claim(3, "", 1)
	assert.True(t, errors.Is(err, simerr.ErrValidation))
}

func TestCloneAndForget(t *testing.T) {
	l := NewLedger(2)
	require.NoError(t, l.Claim(1, "A", 0))
	c := l.Clone()
	require.NoError(t, c.Release(1, "A", 1))
	c.Forget(1)

	_, ok := l.Owner(1)
	assert.True(t, ok)
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 1, l.Owned())
}
