package credential

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateCredential is returned by Register when the email is already taken.
	ErrDuplicateCredential = errors.New("duplicate credential")

	// ErrInvalidCredentials is returned by Login for an unknown email and for a wrong password alike.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInternalPersistence hides store failures from callers. The cause is logged, never returned.
	ErrInternalPersistence = errors.New("internal persistence error")

	// ErrInvalidInput is returned when registration or login input fails validation.
	ErrInvalidInput = errors.New("invalid input")
)

// DuplicateError carries the store's description of the conflict.
// Detail is user-facing (e.g. `Key (email)=(a@x.com) already exists.`).
type DuplicateError struct {
	Field  string
	Detail string
}

func (e *DuplicateError) Error() string {
	if e.Detail == "" {
		return ErrDuplicateCredential.Error()
	}
	return fmt.Sprintf("%s: %s", ErrDuplicateCredential, e.Detail)
}

func (e *DuplicateError) Unwrap() error { return ErrDuplicateCredential }

// InputError names the offending field.
type InputError struct {
	Field string
	Msg   string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrInvalidInput, e.Field, e.Msg)
}

func (e *InputError) Unwrap() error { return ErrInvalidInput }

func invalidField(field, msg string) error {
	return &InputError{Field: field, Msg: msg}
}
