package identity

import "errors"

var (
	// ErrInvalidToken is returned when a credential fails verification,
	// is expired, or carries malformed claims.
	ErrInvalidToken = errors.New("invalid token")

	// ErrMissingToken is returned when no credential was supplied at all.
	ErrMissingToken = errors.New("missing token")

	// ErrConfig is returned for invalid resolver configuration.
	ErrConfig = errors.New("invalid identity config")
)
