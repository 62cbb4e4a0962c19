package token

import "errors"

// Public, stable errors for callers.
var (
	// ErrInvalid is the single outcome of a failed Verify: bad signature, malformed token,
	// wrong algorithm or issuer, missing subject, or expired.
	ErrInvalid = errors.New("token invalid")

	ErrSecretMissing  = errors.New("token secret missing")
	ErrSecretTooShort = errors.New("token secret too short")
)
