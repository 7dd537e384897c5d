package domain

import "errors"

var (
	// ErrNotFound is returned when the requested record does not exist.
	// Keeping this sentinel in domain allows adapters to map it consistently to 404/NOT_FOUND.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidInput marks caller errors that are recoverable by correcting the request.
	ErrInvalidInput = errors.New("invalid input")
	// ErrUnauthorized signals a license token that failed validation.
	ErrUnauthorized = errors.New("unauthorized")
)
