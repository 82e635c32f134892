package chat

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorNotFound  ErrorCode = "NOT_FOUND"
	ErrorTransport ErrorCode = "TRANSPORT_FAILURE"
)

// Error is the failure type returned by every Service implementation.
// Transport failures wrap the underlying store error unchanged; callers should
// treat them as retryable rather than inspect them.
type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("chat: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("chat: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NotFound reports an operation on a conversation id that does not exist.
func NotFound(conversationID string) *Error {
	return &Error{Code: ErrorNotFound, Reason: "conversation " + conversationID}
}

// Transport wraps a failed store call. reason names the failing operation.
func Transport(reason string, err error) *Error {
	return &Error{Code: ErrorTransport, Reason: reason, Err: err}
}

func IsNotFound(err error) bool {
	return hasCode(err, ErrorNotFound)
}

func IsTransport(err error) bool {
	return hasCode(err, ErrorTransport)
}

func hasCode(err error, code ErrorCode) bool {
	var chatErr *Error
	if !errors.As(err, &chatErr) {
		return false
	}
	return chatErr.Code == code
}
