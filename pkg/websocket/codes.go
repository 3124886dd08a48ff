package websocket

import (
	"errors"
	"fmt"
)

// Code is a stable, numbered error classification, preserved from the
// curlws library's CWScode enum so that readers already familiar with it
// recognize the same taxonomy here. Prefer matching against the wrapped
// sentinel errors below with [errors.Is]; Code is for callers that need
// the original numeric contract specifically, via [errors.As] on a
// [*CodedError].
type Code int

const (
	CodeOK Code = iota
	CodeOutOfMemory
	CodeClosedConnection
	CodeInvalidCloseReasonCode
	CodeAppDataLengthTooLong
	CodeUnsupportedIntegerSize
	CodeInternalError
	CodeInvalidOpcode
	CodeStreamContinuityIssue
	CodeInvalidOptions
	CodeInvalidUTF8
	CodeBadFunctionArgument
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeOutOfMemory:
		return "out of memory"
	case CodeClosedConnection:
		return "closed connection"
	case CodeInvalidCloseReasonCode:
		return "invalid close reason code"
	case CodeAppDataLengthTooLong:
		return "application data length too long"
	case CodeUnsupportedIntegerSize:
		return "unsupported integer size"
	case CodeInternalError:
		return "internal error"
	case CodeInvalidOpcode:
		return "invalid opcode"
	case CodeStreamContinuityIssue:
		return "stream continuity issue"
	case CodeInvalidOptions:
		return "invalid options"
	case CodeInvalidUTF8:
		return "invalid UTF-8"
	case CodeBadFunctionArgument:
		return "bad function argument"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

// CodedError pairs a human-readable error with a stable [Code], and
// optionally the [StatusCode] that a resulting close handshake should
// carry when the error also fails the connection.
type CodedError struct {
	Code   Code
	Status StatusCode
	err    error
}

func (e *CodedError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.err)
	}
	return e.Code.String()
}

func (e *CodedError) Unwrap() error { return e.err }

func newCodedError(code Code, status StatusCode, err error) *CodedError {
	return &CodedError{Code: code, Status: status, err: err}
}

// Sentinel errors for [errors.Is]-style matching, covering the taxonomy of
// https://datatracker.ietf.org/doc/html/rfc6455 client-side failures this
// package can surface synchronously (as opposed to failures reported only
// via a close handshake observed on [Conn.IncomingMessages]).
var (
	ErrClosedConnection      = newCodedError(CodeClosedConnection, 0, errors.New("connection is closed or closing"))
	ErrInvalidOptions        = newCodedError(CodeInvalidOptions, 0, errors.New("invalid configuration option"))
	ErrBadFunctionArgument   = newCodedError(CodeBadFunctionArgument, 0, errors.New("bad function argument"))
	ErrAppDataLengthTooLong  = newCodedError(CodeAppDataLengthTooLong, StatusMessageTooBig, errors.New("payload exceeds the configured maximum"))
	ErrStreamContinuityIssue = newCodedError(CodeStreamContinuityIssue, StatusProtocolError, errors.New("stream send called out of FIRST/CONT/LAST order"))
	errInvalidUTF8           = newCodedError(CodeInvalidUTF8, StatusInvalidData, errors.New("invalid UTF-8 encoded text"))
)
