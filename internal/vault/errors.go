package vault

import "errors"

// Validation errors indicate the caller supplied unusable input.
var (
	// ErrEmptyValue indicates an attempt to encrypt an empty or blank value.
	ErrEmptyValue = errors.New("value to encrypt is empty")

	// ErrMalformedEnvelope indicates an envelope whose parts cannot be decoded.
	ErrMalformedEnvelope = errors.New("malformed encrypted envelope")
)

// Configuration errors indicate missing or unusable key material.
var (
	// ErrKeyNotConfigured indicates no active encryption key is available.
	ErrKeyNotConfigured = errors.New("encryption key not configured")

	// ErrInvalidKey indicates key material that is not a 256-bit hex or base64 value.
	ErrInvalidKey = errors.New("invalid encryption key")
)

// Cryptographic errors are always fatal to the calling operation.
var (
	// ErrKeyNotFound indicates an envelope references a key id that is not registered.
	ErrKeyNotFound = errors.New("encryption key not found")

	// ErrDecryptionFailed indicates the authentication tag did not verify.
	ErrDecryptionFailed = errors.New("decryption failed")
)
