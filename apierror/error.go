package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Code classifies an error so that callers, on either side of a remote
// connection, can decide how to react to it.
type Code int

const (
	// Unclassified is the code of an error that carries no classification.
	Unclassified Code = iota
	// InvalidArgument is a malformed specification, cache key, or request.
	// It is never retried.
	InvalidArgument
	// NotFound is a lookup of state that is required to exist.
	NotFound
	// ResponseMismatch is a correlated response of an unexpected kind.
	ResponseMismatch
	// Timeout is the absence of a correlated response within the deadline.
	// The caller may retry.
	Timeout
	// TransportFailure is a lost connection or a failed send. Every call
	// waiting on the same channel fails with it.
	TransportFailure
	// Internal is a failure inside the remote peer.
	Internal
)

var codeNames = [...]string{
	Unclassified:     "unclassified",
	InvalidArgument:  "invalid argument",
	NotFound:         "not found",
	ResponseMismatch: "response mismatch",
	Timeout:          "timeout",
	TransportFailure: "transport failure",
	Internal:         "internal",
}

func (c Code) String() string {
	if c < 0 || int(c) >= len(codeNames) {
		return fmt.Sprintf("code(%d)", int(c))
	}
	return codeNames[c]
}

// Error is the type of error returned by cache clients and servers. It
// contains a Code so that API clients can interpret the error message.
type Error struct {
	err  error
	code Code
}

type ErrorMessage struct {
	Message string `json:",omitempty"`
	Code    Code   `json:",omitempty"`
}

var serverError []byte

func init() {
	// Make sure there is always an error to return in case encoding fails
	e := ErrorMessage{
		Message: "internal server error",
		Code:    Internal,
	}

	eb, err := json.Marshal(&e)
	if err != nil {
		panic(err)
	}
	serverError = eb
}

func New(err error, code Code) *Error {
	return &Error{
		err:  err,
		code: code,
	}
}

// Errorf is shorthand for New(fmt.Errorf(format, args...), code).
func Errorf(code Code, format string, args ...any) *Error {
	return New(fmt.Errorf(format, args...), code)
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	if e.code == Unclassified {
		return ""
	}
	return e.code.String()
}

func (e *Error) Code() Code {
	return e.code
}

// Text returns the error message prefixed by its classification.
func (e *Error) Text() string {
	parts := make([]string, 0, 3)
	if e.code != Unclassified {
		parts = append(parts, e.code.String())
	}
	if e.err != nil {
		if len(parts) != 0 {
			parts = append(parts, ": ")
		}
		parts = append(parts, e.err.Error())
	}

	return strings.Join(parts, "")
}

func (e *Error) Unwrap() error {
	return e.err
}

// CodeOf returns the Code of the first *Error in the chain of err, or
// Unclassified if there is none.
func CodeOf(err error) Code {
	var apierr *Error
	if errors.As(err, &apierr) {
		return apierr.Code()
	}
	return Unclassified
}

// Is reports whether err is classified with code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

func EncodeError(err error) []byte {
	if err == nil {
		return nil
	}

	e := ErrorMessage{
		Message: err.Error(),
		Code:    CodeOf(err),
	}

	data, err := json.Marshal(&e)
	if err != nil {
		return serverError
	}
	return data
}

func DecodeError(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var e ErrorMessage
	err := json.Unmarshal(data, &e)
	if err != nil {
		return fmt.Errorf("cannot decode error message: %s", err)
	}

	err = errors.New(e.Message)
	if e.Code == Unclassified {
		return err
	}
	return New(err, e.Code)
}
