package errors

import (
	"fmt"
	"net/http"
)

// Standard error codes shared across the system's packages.
const (
	CodeNotFound         = "NOT_FOUND"
	CodeInvalidArgument  = "INVALID_ARGUMENT"
	CodeConflict         = "CONFLICT"
	CodeInternal         = "INTERNAL"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeUnavailable      = "UNAVAILABLE"
	CodeUnknown          = "UNKNOWN"
)

// AppError is the standard structured error used throughout the system.
type AppError struct {
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the error code onto a conventional HTTP status.
func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeConflict:
		return http.StatusConflict
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// New builds an AppError. It accepts either (code, message, cause) or a
// bare message, in which case the code defaults to CodeUnknown.
func New(args ...interface{}) *AppError {
	switch len(args) {
	case 1:
		msg, _ := args[0].(string)
		return &AppError{Code: CodeUnknown, Message: msg}
	case 3:
		code, _ := args[0].(string)
		msg, _ := args[1].(string)
		err, _ := args[2].(error)
		return &AppError{Code: code, Message: msg, Err: err}
	default:
		return &AppError{Code: CodeUnknown, Message: fmt.Sprint(args...)}
	}
}

// Wrap attaches a message to an existing error without discarding its code
// if it is already an AppError.
func Wrap(err error, msg string) *AppError {
	if err == nil {
		return nil
	}
	if ae, ok := err.(*AppError); ok {
		return &AppError{Code: ae.Code, Message: msg + ": " + ae.Message, Err: ae.Err}
	}
	return &AppError{Code: CodeInternal, Message: msg, Err: err}
}

// NotFound builds a CodeNotFound error.
func NotFound(msg string, err error) *AppError {
	return &AppError{Code: CodeNotFound, Message: msg, Err: err}
}

// InvalidArgument builds a CodeInvalidArgument error.
func InvalidArgument(msg string, err error) *AppError {
	return &AppError{Code: CodeInvalidArgument, Message: msg, Err: err}
}

// Conflict builds a CodeConflict error.
func Conflict(msg string, err error) *AppError {
	return &AppError{Code: CodeConflict, Message: msg, Err: err}
}

// Internal builds a CodeInternal error.
func Internal(msg string, err error) *AppError {
	return &AppError{Code: CodeInternal, Message: msg, Err: err}
}

// Unauthorized builds a CodeUnauthorized error.
func Unauthorized(msg string, err error) *AppError {
	return &AppError{Code: CodeUnauthorized, Message: msg, Err: err}
}

// Unavailable builds a CodeUnavailable error.
func Unavailable(msg string, err error) *AppError {
	return &AppError{Code: CodeUnavailable, Message: msg, Err: err}
}

// Is reports whether err is an AppError with the given code.
func Is(err error, code string) bool {
	ae, ok := err.(*AppError)
	if !ok {
		return false
	}
	return ae.Code == code
}
