package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the wire and for logging.
type Kind int

const (
	KindInternal Kind = iota
	KindAuthorization
	KindNotFound
	KindValidation
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation"
	case KindPersistence:
		return "persistence"
	default:
		return "internal"
	}
}

// Error is the error type surfaced to a requester. Code is a stable identifier
// clients can switch on, Msg is the human readable reason.
type Error struct {
	Kind Kind
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return e.Code + ": " + e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Code so a sentinel compares equal to a copy carrying a different message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Reason is what the client sees. Persistence and internal failures never leak details.
func (e *Error) Reason() string {
	switch e.Kind {
	case KindPersistence:
		return "storage failure"
	case KindInternal:
		return "internal error"
	}
	return e.Msg
}

// Sentinels.
var (
	ErrNotIdentified         = &Error{Kind: KindAuthorization, Code: "NotIdentified", Msg: "connection has not identified"}
	ErrIdentityMismatch      = &Error{Kind: KindAuthorization, Code: "IdentityMismatch", Msg: "identity does not match this connection"}
	ErrNotAMember            = &Error{Kind: KindAuthorization, Code: "NotAMember", Msg: "not a member of this chat"}
	ErrForbidden             = &Error{Kind: KindAuthorization, Code: "Forbidden", Msg: "not allowed"}
	ErrChatNotFound          = &Error{Kind: KindNotFound, Code: "ChatNotFound", Msg: "chat not found"}
	ErrMessageNotFound       = &Error{Kind: KindNotFound, Code: "MessageNotFound", Msg: "message not found"}
	ErrOriginalNotFound      = &Error{Kind: KindNotFound, Code: "OriginalNotFound", Msg: "original message not found"}
	ErrUnknownOrTerminalCall = &Error{Kind: KindNotFound, Code: "UnknownOrTerminalCall", Msg: "unknown or finished call"}
	ErrInvalidMessageType    = &Error{Kind: KindValidation, Code: "InvalidMessageType", Msg: "unknown message type"}
	ErrInvalidKind           = &Error{Kind: KindValidation, Code: "InvalidKind", Msg: "unknown message kind"}
	ErrMissingField          = &Error{Kind: KindValidation, Code: "MissingField", Msg: "required field missing"}
	ErrInvalidRole           = &Error{Kind: KindValidation, Code: "InvalidRole", Msg: `role must be "admin" or "member"`}
	ErrInvalidDeleteMode     = &Error{Kind: KindValidation, Code: "InvalidDeleteMode", Msg: "invalid delete mode"}
	ErrInvalidCallType       = &Error{Kind: KindValidation, Code: "InvalidCallType", Msg: `call type must be "audio" or "video"`}
	ErrDuplicateCall         = &Error{Kind: KindValidation, Code: "DuplicateCall", Msg: "call id already in use"}
	ErrMalformed             = &Error{Kind: KindValidation, Code: "Malformed", Msg: "frame is not a JSON object"}
	ErrRateLimited           = &Error{Kind: KindValidation, Code: "RateLimited", Msg: "rate limit exceeded"}
	ErrPersistence           = &Error{Kind: KindPersistence, Code: "PersistenceFailure", Msg: "storage failure"}
)

// With returns a copy of a sentinel carrying a more specific message.
func With(sentinel *Error, format string, args ...any) *Error {
	cp := *sentinel
	cp.Msg = fmt.Sprintf(format, args...)
	return &cp
}

// Missing builds a MissingField error naming the field.
func Missing(field string) *Error {
	return With(ErrMissingField, "%s is required", field)
}

// Persistence wraps a store failure.
func Persistence(err error) *Error {
	cp := *ErrPersistence
	cp.Err = err
	return &cp
}

// From extracts an *Error from err, treating anything else as internal.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindInternal, Code: "Internal", Msg: "internal error", Err: err}
}

// KindOf reports the Kind of err.
func KindOf(err error) Kind {
	return From(err).Kind
}
