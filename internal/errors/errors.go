// Package errors provides the coded errors returned by the metadata tree,
// the principal graph and the key store. Callers test them with Match or
// with the standard library errors.Is against the exported sentinels.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Code classifies an error.
type Code uint16

const (
	Unknown Code = 0 // Unknown is the zero value for Codes

	NotFound         Code = 100 // NotFound represents a missing child, key, row or principal.
	InvalidOperation Code = 101 // InvalidOperation represents a call that is not allowed in the current state.
	Conflict         Code = 102 // Conflict represents a duplicate insert or a conflicting key.
	CryptoFailure    Code = 200 // CryptoFailure represents a failed decrypt or derivation.
	NotDerivable     Code = 201 // NotDerivable represents a known principal whose key no logged-in principal reaches.
)

var codeText = map[Code]string{
	Unknown:          "unknown",
	NotFound:         "not found",
	InvalidOperation: "invalid operation",
	Conflict:         "conflict",
	CryptoFailure:    "crypto failure",
	NotDerivable:     "not derivable",
}

// String returns a short description of the code.
func (c Code) String() string {
	if s, ok := codeText[c]; ok {
		return s
	}
	return codeText[Unknown]
}

// Op names the operation that failed, e.g. "schema.(Meta).GetChild".
type Op string

// Errors returned from this module may be tested against these errors with
// errors.Is.
var (
	ErrNotFound         = &Err{Code: NotFound}
	ErrInvalidOperation = &Err{Code: InvalidOperation}
	ErrConflict         = &Err{Code: Conflict}
	ErrCryptoFailure    = &Err{Code: CryptoFailure}
	ErrNotDerivable     = &Err{Code: NotDerivable}
)

// Err provides the ability to specify a code, the failing op, a msg and a
// wrapped error.
type Err struct {
	Code    Code
	Op      Op
	Msg     string
	Wrapped error
}

// Option configures New and Wrap.
type Option func(*Err)

// WithWrap wraps err.
func WithWrap(err error) Option {
	return func(e *Err) { e.Wrapped = err }
}

// WithMsg sets the message, used by Wrap.
func WithMsg(format string, args ...any) Option {
	return func(e *Err) { e.Msg = fmt.Sprintf(format, args...) }
}

// WithCode overrides the code, used by Wrap.
func WithCode(c Code) Option {
	return func(e *Err) { e.Code = c }
}

// New creates an *Err.
func New(code Code, op Op, msg string, opt ...Option) error {
	e := &Err{Code: code, Op: op, Msg: msg}
	for _, o := range opt {
		o(e)
	}
	return e
}

// Wrap wraps err with op. The code of the innermost *Err is kept unless
// WithCode is given. Wrap returns nil for a nil err.
func Wrap(err error, op Op, opt ...Option) error {
	if err == nil {
		return nil
	}
	e := &Err{Code: CodeOf(err), Op: op, Wrapped: err}
	for _, o := range opt {
		o(e)
	}
	return e
}

// Error satisfies the error interface.
func (e *Err) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, string(e.Op))
	}
	if e.Msg != "" {
		parts = append(parts, e.Msg)
	}
	if e.Wrapped != nil {
		parts = append(parts, e.Wrapped.Error())
	} else if e.Msg == "" {
		parts = append(parts, e.Code.String())
	}
	return strings.Join(parts, ": ")
}

// Unwrap allows errors.Is and errors.As to see the wrapped error.
func (e *Err) Unwrap() error {
	return e.Wrapped
}

// Is reports whether target is a sentinel (an *Err with only a Code) of the
// same code.
func (e *Err) Is(target error) bool {
	t, ok := target.(*Err)
	if !ok {
		return false
	}
	if t.Op != "" || t.Msg != "" || t.Wrapped != nil {
		return e == t
	}
	return e.Code == t.Code
}

// CodeOf returns the code of the outermost *Err in err's chain that carries a
// code, or Unknown.
func CodeOf(err error) Code {
	for err != nil {
		var e *Err
		if !stderrors.As(err, &e) {
			return Unknown
		}
		if e.Code != Unknown {
			return e.Code
		}
		err = e.Wrapped
	}
	return Unknown
}

// Match reports whether err carries code c.
func Match(c Code, err error) bool {
	return err != nil && CodeOf(err) == c
}
