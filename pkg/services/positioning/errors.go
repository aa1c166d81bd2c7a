package positioning

import (
	"errors"
	"fmt"
)

// ErrorCode mirrors the web geolocation error codes.
type ErrorCode int

const (
	CodePermissionDenied    ErrorCode = 1
	CodePositionUnavailable ErrorCode = 2
	CodeTimeout             ErrorCode = 3
)

var (
	ErrPermissionDenied    = errors.New("permission denied")
	ErrPositionUnavailable = errors.New("position unavailable")
	ErrTimeout             = errors.New("acquisition timed out")
)

// Error is an acquisition error reported by a position source.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.kind().Error()
	}
	return fmt.Sprintf("%s: %s", e.kind(), e.Message)
}

// Is lets errors.Is match an *Error against the sentinel for its code.
func (e *Error) Is(target error) bool {
	return target == e.kind()
}

func (e *Error) kind() error {
	switch e.Code {
	case CodePermissionDenied:
		return ErrPermissionDenied
	case CodeTimeout:
		return ErrTimeout
	default:
		return ErrPositionUnavailable
	}
}

// asError converts an arbitrary acquisition failure into an *Error.
func asError(err error) *Error {
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	return NewError(CodePositionUnavailable, err.Error())
}
