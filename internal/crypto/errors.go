package crypto

import "errors"

var (
	// ErrKeyDerivation is returned when a key cannot be derived.
	ErrKeyDerivation = errors.New("key derivation failed")

	// ErrAuthentication is returned when a chunk fails authentication, either
	// because the key is wrong or because the ciphertext was modified.
	ErrAuthentication = errors.New("chunk authentication failed")

	// ErrMalformedContainer is returned when the container length cannot be
	// split into framed chunks for the configured chunk size.
	ErrMalformedContainer = errors.New("malformed container")
)
