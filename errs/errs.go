//Package errs holds the typed failures surfaced by the relay
//components. Every failure carries a Code which the HTTP layer
//maps to a status, and errors.Is matches on the code so wrapped
//values still compare equal to the sentinels below.
package errs

import "fmt"

//Code classifies an AppError
type Code string

const (
	CodeInvalidPayload       Code = "INVALID_PAYLOAD"
	CodeInvalidParticipants  Code = "INVALID_PARTICIPANTS"
	CodeNotAParticipant      Code = "NOT_A_PARTICIPANT"
	CodeNotAuthorized        Code = "NOT_AUTHORIZED"
	CodeUnauthenticated      Code = "UNAUTHENTICATED"
	CodeConversationNotFound Code = "CONVERSATION_NOT_FOUND"
	CodeEnvelopeNotFound     Code = "ENVELOPE_NOT_FOUND"
	CodeInvalidTransition    Code = "INVALID_TRANSITION"
	CodeConflict             Code = "CONFLICT"
	CodeUnavailable          Code = "UNAVAILABLE"
	CodeInternal             Code = "INTERNAL"
)

//AppError is a failure with a stable code and a client safe message
type AppError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

//Is reports a match when the target is an AppError with the same code
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

//New builds an AppError without a cause
func New(code Code, message string) error {
	return &AppError{Code: code, Message: message}
}

//Wrap builds an AppError around a lower level cause
func Wrap(code Code, message string, cause error) error {
	return &AppError{Code: code, Message: message, Cause: cause}
}

//InvalidPayload reports a malformed or incomplete request
func InvalidPayload(msg string) error {
	return New(CodeInvalidPayload, msg)
}

//Unavailable marks a storage failure as transient, callers
//should retry with backoff
func Unavailable(cause error) error {
	return Wrap(CodeUnavailable, "storage unavailable", cause)
}

//CodeOf extracts the code of the first AppError in the chain,
//CodeInternal when there is none
func CodeOf(err error) Code {
	for err != nil {
		if ae, ok := err.(*AppError); ok {
			return ae.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return CodeInternal
}

var (
	ErrInvalidParticipants  = New(CodeInvalidParticipants, "a conversation needs at least two distinct participants")
	ErrNotAParticipant      = New(CodeNotAParticipant, "initiator must be one of the participants")
	ErrNotAuthorized        = New(CodeNotAuthorized, "not authorized")
	ErrUnauthenticated      = New(CodeUnauthenticated, "caller identity missing")
	ErrConversationNotFound = New(CodeConversationNotFound, "conversation not found")
	ErrEnvelopeNotFound     = New(CodeEnvelopeNotFound, "envelope not found")
	ErrInvalidTransition    = New(CodeInvalidTransition, "invalid status transition")
	ErrConflict             = New(CodeConflict, "concurrent write conflict")
	ErrUnavailable          = New(CodeUnavailable, "storage unavailable")
)
