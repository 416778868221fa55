package wire

import (
	"errors"
	"fmt"
)

// Code classifies protocol failures. Codes are stable wire values: clients
// key retry and re-issue behavior off them, so they must never be renamed.
type Code string

const (
	// CodeNotFound covers unknown subjects, missing paths, and paths that
	// resolve outside the session root.
	CodeNotFound Code = "not_found"
	// CodeOffline rejects session creation against a disconnected subject.
	CodeOffline Code = "offline"
	// CodeUnreachable rejects list/read calls after the subject disconnected
	// mid-session.
	CodeUnreachable Code = "unreachable"
	// CodeFeatureDisabled reports that the subject's agent never advertised
	// the requested capability. Clients must stop automatic retries when
	// they see it.
	CodeFeatureDisabled Code = "feature_disabled"
	// CodeSessionExpired reports a stale, revoked, or unresolvable session.
	CodeSessionExpired Code = "session_expired"
	// CodeProtocolViolation is client-detected (reassembly cap exceeded,
	// empty chunk with more promised). It never appears on the wire.
	CodeProtocolViolation Code = "protocol_violation"
	// CodeFailure is the catch-all, surfaced with server-provided text.
	CodeFailure Code = "failure"
)

// Error is the protocol error carried across transports. Code drives client
// behavior; Message is operator-readable text.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches by code so call sites can compare against the sentinels below
// while preserving per-occurrence message text.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Errorf builds an *Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Sentinels for errors.Is comparisons.
var (
	ErrNotFound          = &Error{Code: CodeNotFound, Message: "not found"}
	ErrOffline           = &Error{Code: CodeOffline, Message: "subject is offline"}
	ErrUnreachable       = &Error{Code: CodeUnreachable, Message: "subject became unreachable"}
	ErrFeatureDisabled   = &Error{Code: CodeFeatureDisabled, Message: "capability not supported by subject"}
	ErrSessionExpired    = &Error{Code: CodeSessionExpired, Message: "session expired"}
	ErrProtocolViolation = &Error{Code: CodeProtocolViolation, Message: "protocol violation"}
)

// CodeOf extracts the protocol code from err, unwrapping as needed. Errors
// without a protocol classification report CodeFailure.
func CodeOf(err error) Code {
	var we *Error
	if errors.As(err, &we) {
		return we.Code
	}
	return CodeFailure
}
