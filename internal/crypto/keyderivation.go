package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// Key derivation parameters
	PBKDF2Iterations = 100000
	KeySize          = 32 // 256 bits
	SaltSize         = 16 // 128 bits, stored in front of every container

	// DefaultPassphrase is used in place of an empty passphrase so that a key
	// can always be derived.
	DefaultPassphrase = "sealdrop-default-passphrase"
)

// Key is a derived AES-256-GCM key handle. The raw key material is never
// exported; the handle can only seal and open chunks.
type Key struct {
	material []byte
	aead     cipher.AEAD
}

// DeriveKey derives a key from the passphrase and salt using PBKDF2-SHA256.
//
// The same passphrase and salt always yield the same key, which is what
// allows decryption to re-derive the key from the salt stored in the
// container.
func DeriveKey(passphrase string, salt []byte) (*Key, error) {
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("%w: invalid salt size: expected %d bytes, got %d", ErrKeyDerivation, SaltSize, len(salt))
	}
	if passphrase == "" {
		passphrase = DefaultPassphrase
	}

	material := pbkdf2.Key([]byte(passphrase), salt, PBKDF2Iterations, KeySize, sha256.New)

	block, err := aes.NewCipher(material)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create AES cipher: %v", ErrKeyDerivation, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create GCM: %v", ErrKeyDerivation, err)
	}

	return &Key{material: material, aead: gcm}, nil
}

// NewSalt generates a cryptographically secure random salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// Wipe zeroes the derived key material held by the handle. The AEAD keeps
// its own expanded key schedule, so in-flight chunk operations are unaffected.
func (k *Key) Wipe() {
	if k == nil {
		return
	}
	for i := range k.material {
		k.material[i] = 0
	}
}
