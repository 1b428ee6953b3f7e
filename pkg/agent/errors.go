package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrNextCalledTwice marks a callback that invoked its continuation more
	// than once. The execution fails even if the callback swallows the error.
	ErrNextCalledTwice = errors.New("agent: next called more than once")
	// ErrCancelled is returned for executions terminated by Stop.
	ErrCancelled = errors.New("agent: execution cancelled")
	ErrClosed    = errors.New("agent: closed")
)

// BackendError wraps a failure of the generative backend.
type BackendError struct {
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend: %v", e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// IsBackendError reports whether err came from the generative backend.
func IsBackendError(err error) bool {
	var be *BackendError
	return errors.As(err, &be)
}
