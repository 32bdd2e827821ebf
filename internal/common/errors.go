// Package common defines shared constants, helpers and sentinel errors used
// across OTPKeeper components. Callers should use errors.Is to match these
// values; producers wrap them with fmt.Errorf("...: %w", err).
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound = errors.New("not found")

	// Service-level errors (generic/internal flow control).
	ErrorInternal     = errors.New("internal error")
	ErrorUnauthorized = errors.New("unauthorized")

	// ErrForbidden is returned when a non-owner attempts an owner-only mutation.
	ErrForbidden = errors.New("not authorized")

	// ErrValidation marks malformed input to a mutation (e.g. a non-UUID id).
	ErrValidation = errors.New("validation error")

	// ErrDecryption is returned by the vault for malformed or key-mismatched
	// ciphertext. It never reaches HTTP callers.
	ErrDecryption = errors.New("decryption failed")

	// ErrAuthExpired means the mail provider rejected the stored refresh token.
	ErrAuthExpired = errors.New("mailbox authorization expired")

	// ErrOTPNotFound is the steady-state "nothing to extract this cycle" result.
	ErrOTPNotFound = errors.New("otp not found")

	// OAuth link flow errors.
	ErrInvalidState   = errors.New("invalid oauth state")
	ErrNoRefreshToken = errors.New("provider returned no refresh token, consent must be granted again")

	// Auth errors (invalid or malformed token).
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)
