package consensus

import (
	"errors"
	"fmt"
)

// Reason identifies why a vote, location update or override request was
// rejected. Reasons travel over the wire verbatim in input:rejected and
// override:failed payloads.
type Reason string

const (
	ReasonInvalidValue     Reason = "invalid_value"
	ReasonUnknownParameter Reason = "unknown_parameter"
	ReasonRateLimited      Reason = "rate_limited"
	ReasonClientOverloaded Reason = "client_overloaded"
	ReasonSessionNotActive Reason = "session_not_active"
	ReasonUnauthorized     Reason = "unauthorized"
	ReasonInvalidOverride  Reason = "invalid_override"
	ReasonPermissionDenied Reason = "permission_denied"
	ReasonClientNotFound   Reason = "client_not_found"

	// ReasonParameterLocked is only produced when the lock-mode vote policy
	// is configured to reject instead of the default accept-and-ignore.
	ReasonParameterLocked Reason = "parameter_locked"
)

// RejectionError is a recoverable, caller-facing rejection. It never halts
// the engine; transports deliver it back to the originating connection.
type RejectionError struct {
	Reason Reason
	Detail string
}

func (e *RejectionError) Error() string {
	if e.Detail == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

// Reject creates a RejectionError with a formatted detail message.
func Reject(reason Reason, format string, args ...interface{}) *RejectionError {
	return &RejectionError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// ReasonOf extracts the rejection reason from err, if it carries one.
func ReasonOf(err error) (Reason, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej.Reason, true
	}
	return "", false
}

// Session transition errors. These are operator-facing but not part of the
// rejection taxonomy; transports report them as override:failed-style
// messages with the error text.
var (
	ErrSessionEnded      = errors.New("session has ended")
	ErrInvalidTransition = errors.New("invalid session transition")
)
