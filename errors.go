package chatsync

import (
	"errors"
	"fmt"
)

// Common errors
var (
	// ErrEmptySubmit is returned when a send has no text and no attachments.
	ErrEmptySubmit = errors.New("empty submit")

	// ErrInvalidAttachment is returned when an attachment is malformed.
	ErrInvalidAttachment = errors.New("invalid attachment")

	// ErrSendFailed is returned when the gateway rejected or never received a write.
	ErrSendFailed = errors.New("send failed")

	// ErrAuthMissing is returned when the gateway reports missing credentials.
	ErrAuthMissing = errors.New("gateway credentials missing")

	// ErrStreamFailed is returned when the push stream reports an error or drops.
	ErrStreamFailed = errors.New("stream failed")

	// ErrStaleTimeout marks a response forced to finish by the failsafe timer.
	// It is a finish reason, never a user-visible failure.
	ErrStaleTimeout = errors.New("no completion signal before failsafe")

	// ErrEngineClosed is returned when calling an engine after Close.
	ErrEngineClosed = errors.New("engine closed")
)

// OpError wraps an error with the operation and conversation it belongs to.
type OpError struct {
	Op              string
	ConversationKey string
	Err             error
}

func (e *OpError) Error() string {
	if e.ConversationKey != "" {
		return fmt.Sprintf("%s [%s]: %v", e.Op, e.ConversationKey, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// NewOpError creates a new OpError.
func NewOpError(op, conversationKey string, err error) *OpError {
	return &OpError{Op: op, ConversationKey: conversationKey, Err: err}
}

// IsAuthMissing reports whether err means the gateway session is unauthenticated.
func IsAuthMissing(err error) bool {
	return errors.Is(err, ErrAuthMissing)
}
