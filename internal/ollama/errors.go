// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/jeranaias/rigrun-ollama/internal/api"
	"github.com/jeranaias/rigrun-ollama/internal/transport"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ErrorKind categorizes client errors for handling.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindConnection means the server could not be reached.
	KindConnection
	// KindTimeout means an attempt exceeded its timeout.
	KindTimeout
	// KindUpstream means the server answered with a non-2xx status.
	KindUpstream
	// KindResponseFormat means a body or stream line was not valid JSON.
	KindResponseFormat
	// KindValidation means the request was rejected before any I/O.
	KindValidation
	// KindCanceled means the caller's context ended.
	KindCanceled
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindTimeout:
		return "timeout"
	case KindUpstream:
		return "upstream"
	case KindResponseFormat:
		return "response_format"
	case KindValidation:
		return "validation"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// ConnectionHint is appended to connection errors.
const ConnectionHint = "ensure Ollama is installed and running (ollama serve) and that the base URL is correct; see https://ollama.com/download"

// Error is the error type returned by every client operation.
type Error struct {
	Kind     ErrorKind
	Status   int // remote HTTP status, upstream errors only
	Message  string
	Endpoint api.Endpoint
	Attempts int
	Cause    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("ollama")
	if e.Endpoint != "" {
		b.WriteString(" ")
		b.WriteString(string(e.Endpoint))
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Attempts > 1 {
		fmt.Fprintf(&b, " after %d attempts", e.Attempts)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches the kind sentinels below, so errors.Is(err, ErrTimeout) works
// for any timeout regardless of endpoint or message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Message != "" || t.Endpoint != "" {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinel errors for easy checking.
var (
	ErrConnection     = &Error{Kind: KindConnection}
	ErrTimeout        = &Error{Kind: KindTimeout}
	ErrUpstream       = &Error{Kind: KindUpstream}
	ErrResponseFormat = &Error{Kind: KindResponseFormat}
	ErrValidation     = &Error{Kind: KindValidation}
	ErrCanceled       = &Error{Kind: KindCanceled}

	// ErrClientClosed is returned by calls made after Close.
	ErrClientClosed = errors.New("ollama: client closed")
)

func validationError(ep api.Endpoint, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Endpoint: ep, Message: fmt.Sprintf(format, args...)}
}

// transient reports whether another attempt may succeed.
func (e *Error) transient() bool {
	switch e.Kind {
	case KindConnection:
		return !errors.Is(e.Cause, transport.ErrClosed)
	case KindTimeout:
		return true
	case KindUpstream:
		return e.Status >= 500 || e.Status == http.StatusTooManyRequests
	}
	return false
}

// =============================================================================
// HELPERS
// =============================================================================

func kindIs(err error, k ErrorKind) bool {
	got, _ := kindOf(err)
	return got == k
}

func kindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return KindUnknown, false
}

// IsConnection checks if an error means the server was unreachable.
func IsConnection(err error) bool { return kindIs(err, KindConnection) }

// IsTimeout checks if an error is a timeout error.
func IsTimeout(err error) bool { return kindIs(err, KindTimeout) }

// IsUpstream checks if an error carries a non-2xx server status.
func IsUpstream(err error) bool { return kindIs(err, KindUpstream) }

// IsResponseFormat checks if an error came from undecodable response data.
func IsResponseFormat(err error) bool { return kindIs(err, KindResponseFormat) }

// IsValidation checks if an error was raised before any request was sent.
func IsValidation(err error) bool { return kindIs(err, KindValidation) }

// IsNotFound checks if the server answered 404, typically an unknown model.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindUpstream && e.Status == http.StatusNotFound
}

// StatusClientClosedRequest is reported for cancelled calls.
const StatusClientClosedRequest = 499

// HTTPStatus maps err to the status a front-end should answer with.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var e *Error
	if !errors.As(err, &e) {
		if errors.Is(err, context.Canceled) {
			return StatusClientClosedRequest
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindConnection:
		return http.StatusServiceUnavailable
	case KindUpstream:
		if e.Status != 0 {
			return e.Status
		}
		return http.StatusBadGateway
	case KindResponseFormat:
		return http.StatusBadGateway
	case KindCanceled:
		return StatusClientClosedRequest
	}
	return http.StatusInternalServerError
}

// ErrorPayload is the structured form of an error for JSON front-ends.
type ErrorPayload struct {
	Error  string `json:"error"`
	Kind   string `json:"kind"`
	Status int    `json:"status"`
}

// ErrorBody returns the structured form of err.
func ErrorBody(err error) ErrorPayload {
	kind, _ := kindOf(err)
	if kind == KindUnknown && errors.Is(err, context.Canceled) {
		kind = KindCanceled
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return ErrorPayload{
		Error:  msg,
		Kind:   kind.String(),
		Status: HTTPStatus(err),
	}
}
