// Package apperr defines the error taxonomy shared by the loader, tokenizer,
// encoder and engine. Every error carries a stable type and numeric code so
// callers across the C boundary can branch without parsing messages.
package apperr

import (
	"errors"
	"fmt"
)

// Error is a typed failure with a stable code.
type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    int    `json:"code"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code, so wrapped
// errors match the package sentinels with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Common error types
var (
	ErrNotFound        = &Error{Type: "not_found", Message: "artifact not found", Code: 1001}
	ErrMalformed       = &Error{Type: "malformed", Message: "malformed artifact", Code: 1002}
	ErrIO              = &Error{Type: "io_error", Message: "artifact could not be read", Code: 1003}
	ErrInvalidEncoding = &Error{Type: "invalid_encoding", Message: "input is not valid UTF-8", Code: 1101}
	ErrInvalidInput    = &Error{Type: "invalid_input", Message: "invalid input", Code: 1102}
	ErrShapeMismatch   = &Error{Type: "shape_mismatch", Message: "tensor shape mismatch", Code: 1201}
	ErrNumericFailure  = &Error{Type: "numeric_failure", Message: "non-finite values in output", Code: 1202}
	ErrNotReady        = &Error{Type: "not_ready", Message: "Model not initialized", Code: 1301}
	ErrInternal        = &Error{Type: "internal", Message: "internal error", Code: 1302}
	ErrReleased        = &Error{Type: "released", Message: "buffer already released", Code: 1303}
)

// Wrap returns a new error of the sentinel's type. The message is built from
// format and args; cause may be nil.
func Wrap(sentinel *Error, cause error, format string, args ...any) *Error {
	msg := fmt.Sprintf(format, args...)
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	return &Error{Type: sentinel.Type, Message: msg, Code: sentinel.Code, Err: cause}
}

// Errorf is Wrap without a cause.
func Errorf(sentinel *Error, format string, args ...any) *Error {
	return Wrap(sentinel, nil, format, args...)
}

// As extracts the first *Error in err's chain. Untyped errors are reported as
// ErrInternal so every failure has a code.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Message == "" {
			return &Error{Type: e.Type, Message: err.Error(), Code: e.Code, Err: e.Err}
		}
		if err != error(e) {
			return &Error{Type: e.Type, Message: err.Error(), Code: e.Code, Err: e}
		}
		return e
	}
	return &Error{Type: ErrInternal.Type, Message: err.Error(), Code: ErrInternal.Code, Err: err}
}

// Code returns the stable code for err, 0 for nil.
func Code(err error) int {
	if err == nil {
		return 0
	}
	return As(err).Code
}

// TypeOf returns the error type string for err, "" for nil.
func TypeOf(err error) string {
	if err == nil {
		return ""
	}
	return As(err).Type
}

// FromPanic converts a recovered panic value into an ErrInternal.
func FromPanic(v any) *Error {
	if err, ok := v.(error); ok {
		return Wrap(ErrInternal, err, "recovered panic")
	}
	return Errorf(ErrInternal, "recovered panic: %v", v)
}
