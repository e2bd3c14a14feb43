package auth

import (
	"errors"
	"fmt"
)

// Reason distinguishes why a credential was rejected
type Reason string

const (
	ReasonMissing Reason = "missing"
	ReasonInvalid Reason = "invalid"
)

// Auth errors
var (
	ErrMissingCredential = errors.New("credential not provided")
	ErrInvalidCredential = errors.New("invalid or expired credential")
)

// Error is returned by the verifier for every rejected credential.
// errors.Is matches ErrMissingCredential or ErrInvalidCredential depending on Reason.
type Error struct {
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.sentinel().Error()
	}
	return fmt.Sprintf("%s: %v", e.sentinel(), e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == e.sentinel()
}

func (e *Error) sentinel() error {
	if e.Reason == ReasonMissing {
		return ErrMissingCredential
	}
	return ErrInvalidCredential
}

func missing() error {
	return &Error{Reason: ReasonMissing}
}

func invalid(err error) error {
	return &Error{Reason: ReasonInvalid, Err: err}
}

// ReasonOf extracts the rejection reason from err, defaulting to ReasonInvalid
func ReasonOf(err error) Reason {
	var authErr *Error
	if errors.As(err, &authErr) {
		return authErr.Reason
	}
	return ReasonInvalid
}
