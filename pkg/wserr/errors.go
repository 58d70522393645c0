// Package wserr implements the WebSocket runtime's closed error taxonomy:
// a small set of typed failure kinds, each with a stable code, an advisory
// HTTP status, and a deterministic recovery verdict.
package wserr

import (
	"fmt"
	"runtime"
	"strings"
)

// Kind is one of the six error kinds the upgrade pipeline can raise.
type Kind int

const (
	RouteNotFound Kind = iota
	HandlerNotFound
	ModuleImport
	ServerNotAvailable
	ConnectionLimit
	HandlerExecution
)

func (k Kind) String() string {
	if info, ok := registry[k]; ok {
		return info.code
	}
	return "UNKNOWN_ERROR"
}

// Verdict is the recovery action the orchestrator takes for an error kind.
type Verdict int

const (
	CloseConnection Verdict = iota
	TerminateConnection
	Retry
	Ignore
)

type kindInfo struct {
	code    string
	status  int
	verdict Verdict
}

var registry = map[Kind]kindInfo{
	RouteNotFound:      {"ROUTE_NOT_FOUND", 404, CloseConnection},
	HandlerNotFound:    {"HANDLER_NOT_FOUND", 400, CloseConnection},
	ModuleImport:       {"MODULE_IMPORT_ERROR", 500, TerminateConnection},
	ServerNotAvailable: {"SERVER_NOT_AVAILABLE", 503, CloseConnection},
	ConnectionLimit:    {"CONNECTION_LIMIT_EXCEEDED", 429, CloseConnection},
	HandlerExecution:   {"HANDLER_EXECUTION_ERROR", 500, TerminateConnection},
}

// KeyValue is a single piece of structured context attached to an Error.
type KeyValue struct {
	Key   string
	Value string
}

// Error is the concrete error type raised throughout the upgrade pipeline.
type Error struct {
	Kind    Kind
	Message string
	Err     error
	Stack   string
	Context []KeyValue
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Code returns the error kind's stable string code.
func (e *Error) Code() string { return e.Kind.String() }

// Status returns the error kind's advisory HTTP status.
func (e *Error) Status() int {
	if info, ok := registry[e.Kind]; ok {
		return info.status
	}
	return 500
}

// Verdict returns the deterministic recovery action for this error.
func (e *Error) Verdict() Verdict {
	if info, ok := registry[e.Kind]; ok {
		return info.verdict
	}
	return TerminateConnection
}

// New creates an Error of the given kind with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Stack: captureStack()}
}

// Newf creates an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Stack: captureStack()}
}

// Wrap wraps an existing error as the given kind, preserving the original
// as the unwrap target.
func Wrap(kind Kind, err error, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err, Stack: captureStack()}
}

// WithContext returns a copy of e with an additional context key/value.
func (e *Error) WithContext(key, value string) *Error {
	if e == nil {
		return nil
	}
	next := &Error{
		Kind:    e.Kind,
		Message: e.Message,
		Err:     e.Err,
		Stack:   e.Stack,
		Context: make([]KeyValue, len(e.Context), len(e.Context)+1),
	}
	copy(next.Context, e.Context)
	next.Context = append(next.Context, KeyValue{Key: key, Value: value})
	return next
}

func captureStack() string {
	buf := make([]byte, 1024)
	n := runtime.Stack(buf, false)
	lines := strings.Split(string(buf[:n]), "\n")
	if len(lines) > 6 {
		lines = lines[6:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// VerdictFor returns the recovery verdict for any error: typed *Error
// values use their registered verdict, anything else is treated as an
// unknown internal failure and terminates the connection.
func VerdictFor(err error) Verdict {
	if err == nil {
		return Ignore
	}
	if e, ok := err.(*Error); ok {
		return e.Verdict()
	}
	return TerminateConnection
}

// CodeFor returns the stable code for any error, "" for nil.
func CodeFor(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := err.(*Error); ok {
		return e.Code()
	}
	return "INTERNAL_ERROR"
}
