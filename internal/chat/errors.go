package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by stores when a record does not exist
	ErrNotFound = errors.New("chat: not found")

	// ErrMessageExists is returned by stores when a message id is already stored
	ErrMessageExists = errors.New("chat: message id already stored")

	// ErrConversationExists is returned by stores when the pair already has a conversation
	ErrConversationExists = errors.New("chat: conversation already exists")

	// ErrConflict means the conversation could not be resolved after the bounded retry.
	// Transient; the caller may resubmit with the same client message id.
	ErrConflict = errors.New("chat: conversation conflict, retry")

	// ErrMessageIDTaken means the client message id belongs to a different sender
	ErrMessageIDTaken = errors.New("chat: message id already used by another sender")

	// ErrStorage wraps every unexpected store failure
	ErrStorage = errors.New("chat: storage failure")
)

// ValidationError reports a rejected input field
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalidField(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is a ValidationError
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Code returns the short machine-readable code used on the wire for err
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case IsValidation(err):
		return "validation_failed"
	case errors.Is(err, ErrMessageIDTaken):
		return "message_id_taken"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "storage_failure"
	}
}

func storageError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}
