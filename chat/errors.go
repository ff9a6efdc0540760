package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrNothingToSend is returned by Send when there is neither text nor
	// an attachment in the draft. The store is not called.
	ErrNothingToSend = errors.New("chat: nothing to send")
	// ErrSendInFlight is returned by Send while a previous send is pending.
	ErrSendInFlight = errors.New("chat: send already in flight")
	// ErrClosed is returned by engine operations after Close.
	ErrClosed = errors.New("chat: engine closed")
)

// ValidationError rejects user input before any network call.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

// NotFoundError reports a missing counterpart, participant or attachment.
type NotFoundError struct {
	What string
	ID   string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return e.What + " not found"
	}
	return fmt.Sprintf("%s %q not found", e.What, e.ID)
}

// TransientIOError wraps a failed store, feed or blob store call. The engine
// stays usable and the caller may retry.
type TransientIOError struct {
	Op  string
	Err error
}

func (e *TransientIOError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransientIOError) Unwrap() error {
	return e.Err
}

// PermissionError rejects an action on a message the local user is not part of.
type PermissionError struct {
	UserID string
	Action string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("user %q may not %s", e.UserID, e.Action)
}

func transient(op string, err error) error {
	return &TransientIOError{Op: op, Err: err}
}
