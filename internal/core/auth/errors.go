package auth

import "errors"

// Authentication failures. All map to codes.Unauthenticated; the messages
// never confirm whether a key id exists.
var (
	ErrMissingKey       = errors.New("API key required in x-api-key metadata")
	ErrInvalidKeyFormat = errors.New("invalid API key format")
	ErrUnknownKey       = errors.New("invalid API key")
	ErrInvalidKey       = errors.New("invalid API key")
)
