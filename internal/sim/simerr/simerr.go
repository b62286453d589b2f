// Package simerr holds the failure taxonomy shared by every Label Center component.
//
// All sentinels are built with github.com/cockroachdb/errors. Callers add context with
// errors.Wrapf and classify with errors.Is; Code maps any wrapped error back to the wire
// code reported in tick results.
package simerr

import (
	"github.com/cockroachdb/errors"

	"github.com/hu6789/MacroImmunet-demo/internal/protocol"
)

var (
	// ErrValidation marks a structurally malformed intent, rejected at Staging.
	ErrValidation = errors.New("validation error")

	// ErrOwnershipConflict marks a claim denied because the label is owned or the
	// intent lost same-tick arbitration.
	ErrOwnershipConflict = errors.New("ownership conflict")

	// ErrNotOwner marks a release by an id that does not own the label.
	ErrNotOwner = errors.Wrap(ErrOwnershipConflict, "not owner")

	// ErrCooldownActive marks a claim attempted before the label's cooldown elapsed.
	ErrCooldownActive = errors.New("cooldown active")

	// ErrHysteresisViolation marks an activity-state change inside the dwell window.
	ErrHysteresisViolation = errors.New("hysteresis violation")

	// ErrInvalidRegion marks an out-of-bounds spatial reference.
	ErrInvalidRegion = errors.New("invalid region")

	// ErrLabelNotFound marks an intent whose target label is absent at commit time.
	ErrLabelNotFound = errors.New("label not found")

	// ErrInvariantViolation is tick-fatal: the commit is aborted and the previous
	// snapshot stays authoritative.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrPhase marks an operation issued in the wrong committer phase.
	ErrPhase = errors.New("wrong commit phase")
)

// Code maps err onto the protocol error code. Unknown errors map to E_INTERNAL.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return protocol.ErrValidation
	case errors.Is(err, ErrCooldownActive):
		return protocol.ErrCooldown
	case errors.Is(err, ErrOwnershipConflict):
		return protocol.ErrConflict
	case errors.Is(err, ErrHysteresisViolation):
		return protocol.ErrHysteresis
	case errors.Is(err, ErrInvalidRegion):
		return protocol.ErrInvalidRegion
	case errors.Is(err, ErrLabelNotFound):
		return protocol.ErrNotFound
	case errors.Is(err, ErrInvariantViolation):
		return protocol.ErrInvariant
	case errors.Is(err, ErrPhase):
		return protocol.ErrPhase
	default:
		return protocol.ErrInternal
	}
}

// Fatal reports whether err must abort the whole tick.
func Fatal(err error) bool {
	return errors.Is(err, ErrInvariantViolation)
}

// Validationf wraps ErrValidation with a formatted detail.
func Validationf(format string, args ...any) error {
	return errors.Wrapf(ErrValidation, format, args...)
}
