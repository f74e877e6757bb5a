package token

import "errors"

var (
	// ErrInvalidToken is returned when a token has a bad signature, a
	// malformed payload or is older than the accepted age.
	ErrInvalidToken = errors.New("invalid token")

	// ErrResourceExhausted is returned when no free link id was found
	// within the probe budget.
	ErrResourceExhausted = errors.New("link id space exhausted")
)
