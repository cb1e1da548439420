package common

import (
	"errors"
	"fmt"
)

// ErrNotSuspended is reported when a handle is used after the target resumed
var ErrNotSuspended = errors.New("target is not suspended")

// RemoteAccessError is returned when a handle can no longer be used: the
// object was collected, the target resumed, the field has an unexpected
// runtime type, or the transport failed.
type RemoteAccessError struct {
	Op  string
	Err error
}

func (e *RemoteAccessError) Error() string {
	return fmt.Sprintf("remote access %s: %v", e.Op, e.Err)
}

func (e *RemoteAccessError) Unwrap() error {
	return e.Err
}

// RemoteInvocationError is returned when an invoked method threw in the target.
// Exception carries the remote exception description.
type RemoteInvocationError struct {
	Method    string
	Exception string
}

func (e *RemoteInvocationError) Error() string {
	return fmt.Sprintf("invoking %s: remote exception: %s", e.Method, e.Exception)
}

// MalformedDumpError is returned when the target returned a dump that
// cannot be interpreted as a whole.
type MalformedDumpError struct {
	Reason string
}

func (e *MalformedDumpError) Error() string {
	return "malformed coroutine dump: " + e.Reason
}

// AccessError wraps err as a RemoteAccessError unless it already is one
// of the remote error types.
func AccessError(op string, err error) error {
	if err == nil {
		return nil
	}
	var access *RemoteAccessError
	var invoke *RemoteInvocationError
	if errors.As(err, &access) || errors.As(err, &invoke) {
		return err
	}
	return &RemoteAccessError{Op: op, Err: err}
}
