// Package codes defines the orchestrator-level failure taxonomy.
//
// Only three failures ever reach a caller: a request nothing can service
// (Configuration), a remote transport that exhausted its retries
// (BackendUnavailable) and a request that aged out (Stale). Cache failures are
// recovered where they happen and a failed compilation is a normal result.
package codes

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies an orchestrator failure class
type Code string

const (
	Unknown            Code = "Unknown"
	Configuration      Code = "Configuration"
	BackendUnavailable Code = "BackendUnavailable"
	Stale              Code = "Stale"
)

// Descriptions maps failure codes to a human readable summary
var Descriptions = map[Code]string{
	Unknown:            "Unknown error",
	Configuration:      "No compiler or worker can service this request",
	BackendUnavailable: "Remote backend unavailable",
	Stale:              "Request exceeded its maximum age and was abandoned",
}

// Error is an orchestrator failure carrying its class
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}

	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same code, so errors.Is(err, &Error{Code: Stale}) works
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	return t.Code == e.Code
}

// Errorf builds an *Error with a formatted message
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error around a cause
func Wrap(code Code, err error, msg string) *Error {
	return &Error{Code: code, Msg: msg, Err: err}
}

// CanonicalCode returns the code carried by err, or Unknown
func CanonicalCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}

	return Unknown
}

func IsStale(err error) bool {
	return CanonicalCode(err) == Stale
}

func IsConfiguration(err error) bool {
	return CanonicalCode(err) == Configuration
}

func IsBackendUnavailable(err error) bool {
	return CanonicalCode(err) == BackendUnavailable
}

// GetMessage returns the description for a code, or a generic message if unknown
func GetMessage(code Code) string {
	if msg, ok := Descriptions[code]; ok {
		return msg
	}

	return Descriptions[Unknown]
}

// HTTPStatus maps a failure to the status the HTTP surface reports
func HTTPStatus(err error) int {
	switch CanonicalCode(err) {
	case Configuration:
		return http.StatusNotFound
	case BackendUnavailable:
		return http.StatusServiceUnavailable
	case Stale:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
