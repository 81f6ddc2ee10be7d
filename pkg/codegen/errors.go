package codegen

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrorType categorises completion failures for retry decisions.
type ErrorType int8

const (
	// Retryable.

	// ErrorTypeRateLimit is a 429 or quota error.
	ErrorTypeRateLimit ErrorType = iota
	// ErrorTypeTransient is a 5xx, timeout or dropped connection.
	ErrorTypeTransient
	// ErrorTypeEmptyResponse is a successful call that produced no text.
	ErrorTypeEmptyResponse

	// Not retryable.

	// ErrorTypeAuth is a 401/403 or a bad API key.
	ErrorTypeAuth
	// ErrorTypeBadPrompt is a malformed or oversized request.
	ErrorTypeBadPrompt
	// ErrorTypeUnknown is anything unclassified.
	ErrorTypeUnknown
)

func (et ErrorType) String() string {
	switch et {
	case ErrorTypeRateLimit:
		return "rate_limit"
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypeEmptyResponse:
		return "empty_response"
	case ErrorTypeAuth:
		return "auth"
	case ErrorTypeBadPrompt:
		return "bad_prompt"
	case ErrorTypeUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// Error is a classified completion failure.
type Error struct {
	Err        error
	Message    string
	Type       ErrorType
	StatusCode int
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("LLM error (%s): %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("LLM error (%s): %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether another attempt may succeed.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeRateLimit, ErrorTypeTransient, ErrorTypeEmptyResponse:
		return true
	default:
		return false
	}
}

// NewError creates a classified error without a cause.
func NewError(typ ErrorType, message string) *Error {
	return &Error{Type: typ, Message: message}
}

// NewErrorWithStatus creates a classified error carrying an HTTP status.
func NewErrorWithStatus(typ ErrorType, statusCode int, message string) *Error {
	return &Error{Type: typ, StatusCode: statusCode, Message: message}
}

// NewErrorWithCause wraps err.
func NewErrorWithCause(typ ErrorType, err error, message string) *Error {
	return &Error{Type: typ, Err: err, Message: message}
}

// TypeOf returns the classified type of err, or ErrorTypeUnknown.
func TypeOf(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ErrorTypeUnknown
}

// IsType reports whether err is a classified error of typ.
func IsType(err error, typ ErrorType) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == typ
}

var statusCodePattern = regexp.MustCompile(`(?i)(?:status code:?|status:?|http)\s*(\d{3})\b|\b(\d{3}) (?:Bad Request|Unauthorized|Forbidden|Too Many Requests|Internal Server Error|Bad Gateway|Service Unavailable|Gateway Timeout)\b`)

// extractStatusCode finds an HTTP status embedded in an SDK error message.
func extractStatusCode(msg string) int {
	m := statusCodePattern.FindStringSubmatch(msg)
	if m == nil {
		return 0
	}
	digits := m[1]
	if digits == "" {
		digits = m[2]
	}
	code, err := strconv.Atoi(digits)
	if err != nil {
		return 0
	}
	return code
}

// Classify maps a provider error onto an ErrorType. Errors that are already
// classified are returned unchanged.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewErrorWithCause(ErrorTypeTransient, err, "request timeout")
	}
	if errors.Is(err, context.Canceled) {
		return NewErrorWithCause(ErrorTypeTransient, err, "request canceled")
	}

	msg := err.Error()
	switch code := extractStatusCode(msg); {
	case code == 401:
		return &Error{Type: ErrorTypeAuth, StatusCode: code, Err: err, Message: "authentication failed - check API key"}
	case code == 403:
		return &Error{Type: ErrorTypeAuth, StatusCode: code, Err: err, Message: "permission denied - check API access"}
	case code == 429:
		return &Error{Type: ErrorTypeRateLimit, StatusCode: code, Err: err, Message: "rate limit exceeded"}
	case code == 400:
		return &Error{Type: ErrorTypeBadPrompt, StatusCode: code, Err: err, Message: "bad request - check prompt format and parameters"}
	case code >= 500 && code <= 599:
		return &Error{Type: ErrorTypeTransient, StatusCode: code, Err: err, Message: "server error"}
	}

	lower := strings.ToLower(msg)
	switch {
	case containsAny(lower, "timeout", "connection", "network", "temporary", "eof", "reset"):
		return NewErrorWithCause(ErrorTypeTransient, err, "network or connection error")
	case containsAny(lower, "rate", "quota", "limit"):
		return NewErrorWithCause(ErrorTypeRateLimit, err, "rate limiting detected")
	case containsAny(lower, "auth", "api key", "unauthorized"):
		return NewErrorWithCause(ErrorTypeAuth, err, "authentication error")
	case containsAny(lower, "invalid", "malformed", "too large", "token"):
		return NewErrorWithCause(ErrorTypeBadPrompt, err, "prompt or request error")
	}
	return NewErrorWithCause(ErrorTypeUnknown, err, "unclassified error")
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
