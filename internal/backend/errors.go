package backend

import "errors"

// temporaryError marks allocation failures that may succeed once memory is
// released. The retrier recognises it through its Temporary method.
type temporaryError struct {
	msg string
}

func (e *temporaryError) Error() string { return e.msg }

func (e *temporaryError) Temporary() bool { return true }

var (
	ErrOutOfMemory = &temporaryError{msg: "backend: out of device memory"}
	ErrInvalidSize = errors.New("backend: payload size must be positive")
)
