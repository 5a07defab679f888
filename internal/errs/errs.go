// Package errs holds the structured error type shared by every msgbuf package.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Code is a high-level error category. A Code is itself an error so callers
// can write errors.Is(err, errs.Timeout).
type Code string

func (c Code) Error() string {
	return string(c)
}

const (
	ResourceExhausted Code = "resource exhausted"
	NotFound          Code = "not found"
	Timeout           Code = "timeout"
	IOError           Code = "I/O error"
	InvalidParameters Code = "invalid parameters"
	InvalidState      Code = "invalid state"
	Closed            Code = "protocol closed"
)

// Error represents a structured protocol error with ring/flow/handle context
type Error struct {
	Op     string // Operation that failed (e.g., "ioctl", "flow_create")
	Ring   string // Ring name ("" if not applicable)
	FlowID int    // Flow id (-1 if not applicable)
	PktID  int    // Packet handle (-1 if not applicable)
	Code   Code   // High-level error category
	Msg    string // Human-readable message
	Inner  error  // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, "op="+e.Op)
	}
	if e.Ring != "" {
		parts = append(parts, "ring="+e.Ring)
	}
	if e.FlowID >= 0 {
		parts = append(parts, fmt.Sprintf("flow=%d", e.FlowID))
	}
	if e.PktID >= 0 {
		parts = append(parts, fmt.Sprintf("pktid=%d", e.PktID))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Inner != nil && e.Inner.Error() != msg {
		msg = msg + ": " + e.Inner.Error()
	}

	if len(parts) > 0 {
		return fmt.Sprintf("msgbuf: %s (%s)", msg, strings.Join(parts, " "))
	}
	return "msgbuf: " + msg
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches either a bare Code or another *Error with the same Code
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Code:
		return e.Code == t
	case *Error:
		return e.Code == t.Code
	}
	return false
}

// New creates a new structured error
func New(op string, code Code, msg string) *Error {
	return &Error{Op: op, FlowID: -1, PktID: -1, Code: code, Msg: msg}
}

// NewFlowError creates an error about a specific flow
func NewFlowError(op string, flowID int, code Code, msg string) *Error {
	return &Error{Op: op, FlowID: flowID, PktID: -1, Code: code, Msg: msg}
}

// NewRingError creates an error about a specific ring
func NewRingError(op, ring string, code Code, msg string) *Error {
	return &Error{Op: op, Ring: ring, FlowID: -1, PktID: -1, Code: code, Msg: msg}
}

// NewPktIDError creates an error about a packet handle
func NewPktIDError(op string, pktID int, code Code, msg string) *Error {
	return &Error{Op: op, FlowID: -1, PktID: pktID, Code: code, Msg: msg}
}

// Wrap wraps an existing error with operation context. Structured errors keep
// their code and context; anything else becomes an IOError.
func Wrap(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	var e *Error
	if errors.As(inner, &e) {
		return &Error{
			Op:     op,
			Ring:   e.Ring,
			FlowID: e.FlowID,
			PktID:  e.PktID,
			Code:   e.Code,
			Msg:    e.Msg,
			Inner:  e.Inner,
		}
	}

	code := IOError
	if c, ok := inner.(Code); ok {
		code = c
	}
	return &Error{
		Op:     op,
		FlowID: -1,
		PktID:  -1,
		Code:   code,
		Msg:    inner.Error(),
		Inner:  inner,
	}
}

// IsCode checks if an error carries a specific code
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	var c Code
	if errors.As(err, &c) {
		return c == code
	}
	return false
}
