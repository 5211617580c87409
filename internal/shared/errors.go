package shared

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the stable error taxonomy shared by every gateway component.
type Kind string

const (
	// KindOutOfScope means one or more paths fall outside the allowed roots.
	KindOutOfScope Kind = "OUT_OF_SCOPE"

	// KindBlocked means a command was refused before spawn.
	KindBlocked Kind = "BLOCKED"

	// KindNotFound means an unknown turn, run, proposal or override.
	KindNotFound Kind = "NOT_FOUND"

	// KindTransport means the agent runtime was unreachable or failed mid-turn.
	KindTransport Kind = "TRANSPORT_FAILURE"

	// KindMalformed means a request body or diff could not be understood.
	KindMalformed Kind = "MALFORMED_INPUT"
)

// Error carries a Kind plus the details a caller needs to render a precise message.
type Error struct {
	Kind    Kind
	Message string
	// Paths lists the offending paths for KindOutOfScope.
	Paths []string
	// Reason is the machine-readable sub-reason, e.g. "disabled-id" for KindBlocked.
	Reason string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Paths) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(e.Paths, ", "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// OutOfScope builds a KindOutOfScope error naming every rejected path.
func OutOfScope(message string, paths []string) *Error {
	return &Error{Kind: KindOutOfScope, Message: message, Paths: append([]string(nil), paths...)}
}

// Blocked builds a KindBlocked error with its sub-reason.
func Blocked(reason, message string) *Error {
	return &Error{Kind: KindBlocked, Reason: reason, Message: message}
}

// NotFound builds a KindNotFound error for the named entity.
func NotFound(entity, id string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %q not found", entity, id)}
}

// Transport wraps an agent runtime failure.
func Transport(message string, err error) *Error {
	return &Error{Kind: KindTransport, Message: message, Err: err}
}

// Malformed builds a KindMalformed error.
func Malformed(message string, err error) *Error {
	return &Error{Kind: KindMalformed, Message: message, Err: err}
}

// KindOf returns the taxonomy kind of err, or "" when err is not a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err (or anything it wraps) is a *Error of kind k.
func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}
