package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsKnownCode(t *testing.T) {
	for code := range knownCodes {
		assert.True(t, IsKnownCode(code), code)
	}
	assert.True(t, IsKnownCode(""), "empty code means success")
	assert.Len(t, knownCodes, 11)

	for _, code := range []string{"E_NOT_DEFINED", "e_conflict", "E_BLOCKED"} {
		assert.False(t, IsKnownCode(code), code)
	}
}
