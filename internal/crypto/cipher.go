package crypto

import (
	"crypto/rand"
	"fmt"
)

const (
	NonceSize = 12 // 96 bits for GCM
	TagSize   = 16 // 128 bits authentication tag

	// ChunkOverhead is the fixed framing cost of one encrypted chunk.
	ChunkOverhead = NonceSize + TagSize
)

// EncryptChunk encrypts plaintext under key with a fresh random nonce and
// returns the framed chunk: nonce || ciphertext || tag.
func EncryptChunk(plaintext []byte, key *Key) ([]byte, error) {
	return EncryptChunkWithPrefix(nil, plaintext, key)
}

// EncryptChunkWithPrefix is EncryptChunk with prefix copied in front of the
// framed chunk in the same allocation. The upload path uses it to place the
// salt ahead of the first chunk.
func EncryptChunkWithPrefix(prefix, plaintext []byte, key *Key) ([]byte, error) {
	if key == nil || key.aead == nil {
		return nil, fmt.Errorf("encrypt chunk: nil key")
	}

	out := make([]byte, len(prefix)+NonceSize, len(prefix)+FramedSize(len(plaintext)))
	copy(out, prefix)

	nonce := out[len(prefix):]
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return key.aead.Seal(out, nonce, plaintext, nil), nil
}

// DecryptChunk opens a framed chunk produced by EncryptChunk.
func DecryptChunk(framed []byte, key *Key) ([]byte, error) {
	if key == nil || key.aead == nil {
		return nil, fmt.Errorf("decrypt chunk: nil key")
	}
	if len(framed) < ChunkOverhead {
		return nil, fmt.Errorf("%w: framed chunk too short (%d bytes)", ErrAuthentication, len(framed))
	}

	nonce := framed[:NonceSize]
	plaintext, err := key.aead.Open(nil, nonce, framed[NonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	return plaintext, nil
}
