package entitlement

import "errors"

var (
	// ErrProfileNotFound is returned when no record exists for a user ID.
	ErrProfileNotFound = errors.New("profile not found")

	// ErrUserNotFound is returned by lookup methods when no account matches
	// the given customer ID or email.
	ErrUserNotFound = errors.New("user not found")

	// ErrInvalidUserID is returned when an operation is attempted with an
	// empty user identifier.
	ErrInvalidUserID = errors.New("invalid user id")
)
