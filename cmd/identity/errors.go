package identity

import (
	"errors"
	"fmt"
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// - Kind MUST be one of the sentinel kinds when applicable (ErrInvalidInput, ErrNotFound, ...).
// - Msg may include human-readable context; do not include secrets.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

// ConflictError reports a uniqueness violation for a logical field ("email").
// Detail carries the store's own description of the conflict, e.g. Postgres'
// `Key (email)=(a@x.com) already exists.`; it is safe to show to the registering user.
type ConflictError struct {
	Op     string
	Field  string
	Detail string
}

func (e ConflictError) Error() string {
	switch {
	case e.Detail != "":
		return fmt.Sprintf("%s: %v: %s", e.Op, ErrConflict, e.Detail)
	case e.Field != "":
		return fmt.Sprintf("%s: %v: %s", e.Op, ErrConflict, e.Field)
	default:
		return fmt.Sprintf("%s: %v", e.Op, ErrConflict)
	}
}

func (e ConflictError) Unwrap() error { return ErrConflict }

// NotFoundError reports a missing row.
type NotFoundError struct {
	Op       string
	Resource string
}

func (e NotFoundError) Error() string {
	if e.Resource == "" {
		return fmt.Sprintf("%s: %v", e.Op, ErrNotFound)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, ErrNotFound, e.Resource)
}

func (e NotFoundError) Unwrap() error { return ErrNotFound }

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var ce ConflictError
	return errors.As(err, &ce)
}

// ConflictDetail returns the conflict detail carried by err, if any.
func ConflictDetail(err error) (ConflictError, bool) {
	var ce ConflictError
	if !errors.As(err, &ce) {
		return ConflictError{}, false
	}
	return ce, true
}

// IsNotFound reports whether err represents ErrNotFound (including NotFoundError).
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsInvalidInput reports whether err represents ErrInvalidInput.
func IsInvalidInput(err error) bool { return errors.Is(err, ErrInvalidInput) }

func invalid(op, msg string) error {
	return OpError{Op: op, Kind: ErrInvalidInput, Msg: msg}
}
