package protocol

import (
	"errors"
	"fmt"
)

// Error kinds. Every request failure wraps exactly one of these.
var (
	ErrParse      = errors.New("parse error")
	ErrValidation = errors.New("validation error")
	ErrLoad       = errors.New("load error")
	ErrInference  = errors.New("inference error")
	ErrProtocol   = errors.New("protocol error")
)

// ErrEmptyTranscription is returned when the engine produced no text.
var ErrEmptyTranscription = &Error{Kind: ErrInference, Msg: "Empty transcription"}

// Error is a request failure whose Error() text is what the caller sees in
// the response message.
type Error struct {
	Kind error
	Msg  string
	Err  error
}

// NewError builds an Error of the given kind with a formatted message.
// cause may be nil.
func NewError(kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: cause}
}

func (e *Error) Error() string { return e.Msg }

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Message returns the text to put in an error response for err.
func Message(err error) string {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Msg
	}
	return err.Error()
}
