// Package fault defines the error taxonomy shared by the lifecycle services.
// Every public operation returns an error of one of these kinds so callers
// (and the HTTP layer) can act on the class without parsing messages.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a domain failure.
type Kind int

const (
	// KindUnknown covers internal failures that are none of the below.
	KindUnknown Kind = iota
	// KindInvalidRequest signals malformed or missing input, fixable by the caller.
	KindInvalidRequest
	// KindForbidden signals a role or ownership violation.
	KindForbidden
	// KindNotFound signals the referenced entity does not exist.
	KindNotFound
	// KindInvalidState signals a transition not permitted from the current
	// state, including already-cancelled/released/resolved cases.
	KindInvalidState
	// KindPreconditionFailed signals a valid transition blocked by missing
	// external configuration (e.g. seller payout destination not set up).
	KindPreconditionFailed
	// KindGatewayUnavailable signals an external payment call failed; retryable.
	KindGatewayUnavailable
	// KindConflict signals a concurrent modification was detected.
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindInvalidRequest:
		return "invalid_request"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindInvalidState:
		return "invalid_state"
	case KindPreconditionFailed:
		return "precondition_failed"
	case KindGatewayUnavailable:
		return "gateway_unavailable"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Error carries a kind plus a human-readable detail.
type Error struct {
	Kind   Kind
	Detail string
}

func (e *Error) Error() string {
	return e.Detail
}

// Is lets errors.Is match any error of the same kind when the target carries
// no detail, and exact errors otherwise.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Detail == "" {
		return e.Kind == t.Kind
	}
	return e.Kind == t.Kind && e.Detail == t.Detail
}

// New builds an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func InvalidRequest(format string, args ...any) *Error {
	return New(KindInvalidRequest, format, args...)
}

func Forbidden(format string, args ...any) *Error {
	return New(KindForbidden, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

func InvalidState(format string, args ...any) *Error {
	return New(KindInvalidState, format, args...)
}

func PreconditionFailed(format string, args ...any) *Error {
	return New(KindPreconditionFailed, format, args...)
}

func GatewayUnavailable(format string, args ...any) *Error {
	return New(KindGatewayUnavailable, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return New(KindConflict, format, args...)
}

// KindOf extracts the kind from err, unwrapping as needed. Errors outside the
// taxonomy report KindUnknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}
