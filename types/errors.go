package types

import "errors"

// ═══════════════════════════════════════════════════════════════════════════════
// ERROR TAXONOMY
// ═══════════════════════════════════════════════════════════════════════════════
//
// Callers match with errors.Is; wrapped variants carry context.

var (
	// ErrStaleData: oracle round too old or unanswered. Detection and
	// monitoring no-op on it without mutating state.
	ErrStaleData = errors.New("stale oracle data")

	// ErrCooldownActive: trigger attempted before the cooldown elapsed.
	// Retryable later.
	ErrCooldownActive = errors.New("cooldown active")

	// ErrBelowThreshold: price delta under the spike threshold. Not a fault,
	// just no event.
	ErrBelowThreshold = errors.New("change below spike threshold")

	// ErrInvalidPositionParameters: bad SL/TP bounds, zero or duplicate id.
	// The offending call is rejected atomically.
	ErrInvalidPositionParameters = errors.New("invalid position parameters")

	// ErrPositionNotFound: the id has no open position.
	ErrPositionNotFound = errors.New("position not found")

	// ErrUnauthorized: caller not on the operator allow-list.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrSwapFailed: execution produced zero or insufficient output. A close
	// that hits this leaves the position OPEN.
	ErrSwapFailed = errors.New("swap failed")

	// ErrInsufficientBalance: executor balance below the requested amountIn.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrMalformedDecisionPayload: upstream decision payload failed schema
	// validation; the decision path falls back to HOLD.
	ErrMalformedDecisionPayload = errors.New("malformed decision payload")
)
