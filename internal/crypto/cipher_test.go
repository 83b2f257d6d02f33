package crypto

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T, passphrase string) *Key {
	t.Helper()
	key, err := DeriveKey(passphrase, bytes.Repeat([]byte{0xAB}, SaltSize))
	require.NoError(t, err)
	return key
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestEncryptDecryptChunk(t *testing.T) {
	key := testKey(t, "test-password-123456")

	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty data", data: []byte{}},
		{name: "small data", data: []byte("Hello, World!")},
		{name: "one block", data: bytes.Repeat([]byte{'a'}, 16)},
		{name: "random 64KiB", data: randomBytes(t, 64*1024)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			framed, err := EncryptChunk(tt.data, key)
			require.NoError(t, err)
			assert.Len(t, framed, FramedSize(len(tt.data)))

			plain, err := DecryptChunk(framed, key)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(tt.data, plain))
		})
	}
}

func TestEncryptChunkWithPrefix(t *testing.T) {
	key := testKey(t, "passphrase")
	prefix := []byte("0123456789abcdef")

	out, err := EncryptChunkWithPrefix(prefix, []byte("data"), key)
	require.NoError(t, err)
	require.Len(t, out, len(prefix)+FramedSize(4))
	assert.Equal(t, prefix, out[:len(prefix)])

	plain, err := DecryptChunk(out[len(prefix):], key)
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), plain)
}

func TestDecryptChunk_TamperDetection(t *testing.T) {
	key := testKey(t, "passphrase")
	plaintext := []byte("the quick brown fox jumps over the lazy dog")

	framed, err := EncryptChunk(plaintext, key)
	require.NoError(t, err)

	// Flip every bit position in the ciphertext and tag, one at a time.
	for i := NonceSize; i < len(framed); i++ {
		for bit := 0; bit < 8; bit++ {
			tampered := append([]byte(nil), framed...)
			tampered[i] ^= 1 << bit

			plain, err := DecryptChunk(tampered, key)
			require.Error(t, err, "byte %d bit %d", i, bit)
			assert.True(t, errors.Is(err, ErrAuthentication))
			assert.Nil(t, plain)
		}
	}
}

func TestDecryptChunk_WrongKey(t *testing.T) {
	framed, err := EncryptChunk([]byte("secret"), testKey(t, "right"))
	require.NoError(t, err)

	_, err = DecryptChunk(framed, testKey(t, "wrong"))
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestDecryptChunk_TooShort(t *testing.T) {
	key := testKey(t, "passphrase")

	_, err := DecryptChunk(make([]byte, ChunkOverhead-1), key)
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestEncryptChunk_NilKey(t *testing.T) {
	_, err := EncryptChunk([]byte("x"), nil)
	assert.Error(t, err)

	_, err = DecryptChunk(make([]byte, 64), nil)
	assert.Error(t, err)
}

func TestEncryptChunk_NonceUniqueness(t *testing.T) {
	key := testKey(t, "passphrase")
	seen := make(map[string]struct{})

	const n = 2000
	for i := 0; i < n; i++ {
		framed, err := EncryptChunk([]byte("same plaintext"), key)
		require.NoError(t, err)
		nonce := string(framed[:NonceSize])
		_, dup := seen[nonce]
		require.False(t, dup, "nonce reused at chunk %d", i)
		seen[nonce] = struct{}{}
	}
	assert.Len(t, seen, n)
}
