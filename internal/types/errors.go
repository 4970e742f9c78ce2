package types

import "errors"

var (
	// ErrNotFound is returned when a profile or proxy id is not registered
	ErrNotFound = errors.New("not found")

	// ErrValidation marks malformed proxy servers, out-of-range values and bad payload fields
	ErrValidation = errors.New("validation failed")

	// ErrParse marks serialized profile or proxy data that cannot be decoded
	ErrParse = errors.New("parse failed")
)
