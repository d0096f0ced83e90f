package utils

import (
	"github.com/pkg/errors"
)

// ErrPreconditionViolated is the sentinel wrapped by every precondition failure. A precondition
// failure is a programming error on the caller's side; the callee leaves its state untouched.
var ErrPreconditionViolated = errors.New("precondition violated")

// NewPreconditionError is used when an operation is invoked while one of its preconditions does not hold.
func NewPreconditionError(format string, args ...interface{}) error {
	return errors.Wrapf(ErrPreconditionViolated, format, args...)
}

// IsPreconditionError reports whether err was produced by NewPreconditionError.
func IsPreconditionError(err error) bool {
	return errors.Is(err, ErrPreconditionViolated)
}

// NewBufferSizeError is used when a buffer handed over by a collaborator does not match the size it was declared with.
func NewBufferSizeError(name string, expected, actual int) error {
	return errors.Errorf("%s has %d elements but %d were expected", name, actual, expected)
}
