package simerr

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"

	"github.com/hu6789/MacroImmunet-demo/internal/protocol"
)

func TestCode(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{Validationf("bad kind %q", "x"), protocol.ErrValidation},
		{errors.Wrap(ErrOwnershipConflict, "label 7"), protocol.ErrConflict},
		{ErrNotOwner, protocol.ErrConflict},
		{errors.Wrapf(ErrCooldownActive, "until %d", 9), protocol.ErrCooldown},
		{ErrHysteresisViolation, protocol.ErrHysteresis},
		{ErrInvalidRegion, protocol.ErrInvalidRegion},
		{ErrLabelNotFound, protocol.ErrNotFound},
		{ErrInvariantViolation, protocol.ErrInvariant},
		{ErrPhase, protocol.ErrPhase},
		{errors.New("boom"), protocol.ErrInternal},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Code(c.err), "err=%v", c.err)
		assert.True(t, protocol.IsKnownCode(Code(c.err)))
	}
}

func TestNotOwnerIsConflict(t *testing.T) {
	assert.True(t, errors.Is(ErrNotOwner, ErrOwnershipConflict))
	assert.False(t, errors.Is(ErrOwnershipConflict, ErrNotOwner))
}

func TestFatal(t *testing.T) {
	assert.True(t, Fatal(errors.Wrap(ErrInvariantViolation, "negative mass")))
	assert.False(t, Fatal(ErrValidation))
	assert.False(t, Fatal(nil))
}
