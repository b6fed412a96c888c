// Package errs defines the engine-wide error taxonomy. Every package wraps
// one of these sentinels with fmt.Errorf("%w: ...") so callers can classify
// failures with errors.Is and decide whether a retry is worthwhile.
package errs

import "errors"

var (
	// ErrValidation marks a request rejected before any mutation:
	// bad percent, non-positive size, malformed parameters.
	ErrValidation = errors.New("errs: validation failed")

	// ErrNotFound marks an unknown market, order, position, or user.
	ErrNotFound = errors.New("errs: not found")

	// ErrInvalidState marks an illegal lifecycle transition:
	// cancel-after-filled, close-already-closed, settle-before-lock.
	ErrInvalidState = errors.New("errs: invalid state transition")

	// ErrInsufficientMargin marks an order or fill that would push the
	// user's margin ratio below the policy floor. Rejected outright,
	// never silently reduced.
	ErrInsufficientMargin = errors.New("errs: insufficient margin")

	// ErrConflict marks an optimistic-concurrency violation: the row's
	// version changed between read and write. Retryable.
	ErrConflict = errors.New("errs: concurrent modification")

	// ErrUpstream marks an unreachable price feed or persistence layer.
	// Never substituted with a stale price for a financial computation.
	ErrUpstream = errors.New("errs: upstream unavailable")
)

// Retryable reports whether the caller may retry the same operation.
func Retryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrUpstream)
}
