package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rb3ckers/requestqueue/internal/cache"
)

// Response is the result handed to a Listener, either a value or an error.
type Response[T any] struct {
	Value T
	// Entry is the cache entry the value was read from or written to, if any.
	Entry  *cache.Entry
	Cached bool
	Err    *Error
}

func (r Response[T]) IsSuccess() bool {
	return r.Err == nil
}

type ErrorKind int

const (
	KindTransport ErrorKind = iota + 1
	KindHTTPStatus
	KindParse
	KindCache
	KindCancelled
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindHTTPStatus:
		return "http-status"
	case KindParse:
		return "parse"
	case KindCache:
		return "cache"
	case KindCancelled:
		return "cancelled"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind       ErrorKind
	StatusCode int
	// Code and ID are set when the API described the error in the response body.
	Code    int
	ID      string
	Message string
	Details string
	Cause   error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s error", e.Kind)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (%d)", msg, e.StatusCode)
	}

	if e.Message != "" {
		msg = msg + ": " + e.Message
	}

	if e.Cause != nil {
		msg = msg + ": " + e.Cause.Error()
	}

	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether trying again may succeed: transport failures and 5xx responses.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTransport:
		return true
	case KindHTTPStatus:
		return e.StatusCode >= http.StatusInternalServerError
	default:
		return false
	}
}

var errCancelled = &Error{Kind: KindCancelled, Message: "request cancelled"}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

type apiError struct {
	ID      string          `json:"id"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details"`
}

func newStatusError(statusCode int, data []byte) *Error {
	e := &Error{
		Kind:       KindHTTPStatus,
		StatusCode: statusCode,
		Message:    http.StatusText(statusCode),
	}

	var body apiError
	if err := json.Unmarshal(data, &body); err == nil && body.Message != "" {
		e.ID = body.ID
		e.Code = body.Code
		e.Message = body.Message

		if len(body.Details) > 0 && string(body.Details) != "null" {
			var details string
			if err := json.Unmarshal(body.Details, &details); err != nil {
				details = string(body.Details)
			}

			e.Details = details
		}
	}

	return e
}
