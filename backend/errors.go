package backend

import "fmt"

// ErrorCode classifies backend and dispatch failures.
type ErrorCode string

const (
	ErrNotFound            ErrorCode = "NotFound"
	ErrInvalidRange        ErrorCode = "InvalidRange"
	ErrRangeNotSatisfiable ErrorCode = "RangeNotSatisfiable"
	ErrTimeout             ErrorCode = "Timeout"
	ErrUnavailable         ErrorCode = "Unavailable"
	ErrInternal            ErrorCode = "Internal"
	ErrBadRequest          ErrorCode = "BadRequest"
	ErrAccessDenied        ErrorCode = "AccessDenied"
)

// Error is a typed failure carrying the HTTP status it maps to at the
// client boundary.
type Error struct {
	Code       ErrorCode
	Message    string
	StatusCode int
	Resource   string
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("%s: %s (resource: %s)", e.Code, e.Message, e.Resource)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is implements error comparison for errors.Is()
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithResource returns a copy of the error annotated with a resource name.
func (e *Error) WithResource(resource string) *Error {
	cp := *e
	cp.Resource = resource
	return &cp
}

// Predefined errors for common cases
var (
	ErrNotFoundError = &Error{
		Code:       ErrNotFound,
		Message:    "The specified object does not exist",
		StatusCode: 404,
	}

	ErrInvalidRangeError = &Error{
		Code:       ErrInvalidRange,
		Message:    "The requested range is not valid",
		StatusCode: 400,
	}

	ErrRangeNotSatisfiableError = &Error{
		Code:       ErrRangeNotSatisfiable,
		Message:    "The requested range cannot be satisfied",
		StatusCode: 416,
	}

	ErrTimeoutError = &Error{
		Code:       ErrTimeout,
		Message:    "The backend node did not respond in time",
		StatusCode: 504,
	}

	ErrUnavailableError = &Error{
		Code:       ErrUnavailable,
		Message:    "Not enough backend nodes responded",
		StatusCode: 503,
	}

	ErrInternalError = &Error{
		Code:       ErrInternal,
		Message:    "An internal error occurred",
		StatusCode: 500,
	}

	ErrBadRequestError = &Error{
		Code:       ErrBadRequest,
		Message:    "The request is not valid",
		StatusCode: 400,
	}

	ErrAccessDeniedError = &Error{
		Code:       ErrAccessDenied,
		Message:    "Access Denied",
		StatusCode: 403,
	}
)
