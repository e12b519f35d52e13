package cloud

import (
	"errors"
	"fmt"
)

var (
	// ErrAuth is returned when the provider rejects the account credentials.
	ErrAuth = errors.New("authentication failed")
	// ErrNotFound is returned by point lookups when the resource does not exist.
	ErrNotFound = errors.New("not found")
	// ErrForbidden is returned when the provider refuses an operation on a resource.
	ErrForbidden = errors.New("forbidden")
)

// ActionFailedError wraps a provider error with the operation that caused it.
type ActionFailedError struct {
	Action string
	Err    error
}

func (e *ActionFailedError) Error() string {
	return fmt.Sprintf("failed to %s: %v", e.Action, e.Err)
}

func (e *ActionFailedError) Unwrap() error {
	return e.Err
}

func ActionFailed(action string, err error) error {
	return &ActionFailedError{Action: action, Err: err}
}
