package runner

import (
	"errors"
	"fmt"
)

// RecoverableError marks a failed cycle that is retried on the next tick,
// such as a ping while the container runtime is stopped.
type RecoverableError struct {
	Op  string
	Err error
}

func (e *RecoverableError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RecoverableError) Unwrap() error {
	return e.Err
}

// Recoverable wraps err so Run logs it and keeps ticking. A nil err stays nil.
func Recoverable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &RecoverableError{Op: op, Err: err}
}

// IsRecoverable reports whether err was wrapped with Recoverable.
func IsRecoverable(err error) bool {
	var recoverable *RecoverableError
	return errors.As(err, &recoverable)
}
