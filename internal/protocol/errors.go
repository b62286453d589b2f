package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrRateLimit       = "E_RATE_LIMIT"

	// Staging.
	ErrValidation    = "E_VALIDATION"
	ErrInvalidRegion = "E_INVALID_REGION"
	ErrPhase         = "E_PHASE"

	// Commit (intent-local).
	ErrConflict   = "E_CONFLICT"
	ErrCooldown   = "E_COOLDOWN"
	ErrHysteresis = "E_HYSTERESIS"
	ErrNotFound   = "E_NOT_FOUND"

	// Commit (tick-fatal).
	ErrInvariant = "E_INVARIANT"
	ErrInternal  = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrRateLimit:       {},
	ErrValidation:      {},
	ErrInvalidRegion:   {},
	ErrPhase:           {},
	ErrConflict:        {},
	ErrCooldown:        {},
	ErrHysteresis:      {},
	ErrNotFound:        {},
	ErrInvariant:       {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
