// Package xerrors defines the agent-level error kinds (§7) that every
// component boundary returns instead of raising. The Agent Loop is the
// sole layer that converts non-fatal kinds into degraded-mode flags;
// only FatalReconciliation and corrupt-state-with-no-snapshot escalate to
// process exit.
package xerrors

import "fmt"

// Kind enumerates the recovery-relevant error categories.
type Kind string

const (
	KindTransientTransport     Kind = "TransientTransport"
	KindRateLimited            Kind = "RateLimited"
	KindPriceIncrementInvalid  Kind = "PriceIncrementInvalid"
	KindInsufficientBalance    Kind = "InsufficientBalance"
	KindUnknownSymbol          Kind = "UnknownSymbol"
	KindCorruptState           Kind = "CorruptState"
	KindFatalReconciliation    Kind = "FatalReconciliation"
	KindLogicInvariantViolated Kind = "LogicInvariantViolation"
	KindBelowMinimum           Kind = "BelowMinimum"
	KindDuplicateInFlight      Kind = "DuplicateInFlight"
	KindExchangeUnavailable    Kind = "ExchangeUnavailable"
)

// Error is a typed, wrapped error carrying a recovery Kind.
type Error struct {
	Kind Kind
	Op   string // component/operation that raised it, e.g. "execution.open"
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches by Kind so callers can test with errors.Is(err, xerrors.New(xerrors.KindRateLimited, "", nil)).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs a typed Error.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Fatal reports whether this kind escalates to process exit per §7.
func (k Kind) Fatal() bool {
	return k == KindFatalReconciliation
}

// Retryable reports whether the agent loop should simply continue the
// cycle and let the next cycle retry, as opposed to dropping the item.
func (k Kind) Retryable() bool {
	switch k {
	case KindTransientTransport, KindRateLimited, KindExchangeUnavailable, KindBelowMinimum:
		return true
	default:
		return false
	}
}
