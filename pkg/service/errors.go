package service

import (
	stderrors "errors"
	"fmt"
)

// ValidationError marks a request the caller got wrong: malformed step
// configuration, a non-pending approval targeted for delegation, an
// unavailable delegate. These are surfaced as-is and never retried.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string {
	return e.msg
}

func NewValidationError(format string, args ...interface{}) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return stderrors.As(err, &ve)
}
