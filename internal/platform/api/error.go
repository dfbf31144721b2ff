package api

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a transport failure.
type ErrorKind string

const (
	KindNetwork      ErrorKind = "network"      // connection/DNS/timeout
	KindUnauthorized ErrorKind = "unauthorized" // 401
	KindNotFound     ErrorKind = "not_found"    // 404
	KindServer       ErrorKind = "server"       // any other non-2xx
	KindDecode       ErrorKind = "decode"       // 2xx with an unreadable body
	KindEncode       ErrorKind = "encode"       // request body could not be serialized
)

// Error is a typed transport failure. Callers that want to degrade (empty
// list, default department) can inspect Kind instead of collapsing every
// failure into a silent zero value.
type Error struct {
	Kind   ErrorKind
	Status int // HTTP status when one was received, else 0
	Op     string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%s)", e.Op, e.Kind, e.Err)
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Op, e.Kind, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the ErrorKind of err, or "" if err is not an *Error.
func KindOf(err error) ErrorKind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}

// IsUnauthorized reports whether err is a 401 failure.
func IsUnauthorized(err error) bool { return KindOf(err) == KindUnauthorized }

// IsNotFound reports whether err is a 404 failure.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }
