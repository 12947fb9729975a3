package cryptobox

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"token-service/internal/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveKey_Deterministic(t *testing.T) {
	salt, err := GenerateSalt()
	require.NoError(t, err)

	k1, err := DeriveKey("correct horse battery staple", salt, MinIterations)
	require.NoError(t, err)
	k2, err := DeriveKey("correct horse battery staple", salt, MinIterations)
	require.NoError(t, err)

	assert.Equal(t, KeySize, len(k1.Bytes()))
	assert.True(t, Equal(k1.Bytes(), k2.Bytes()))
}

func TestDeriveKey_DifferentSaltDifferentKey(t *testing.T) {
	s1, err := GenerateSalt()
	require.NoError(t, err)
	s2, err := GenerateSalt()
	require.NoError(t, err)
	require.False(t, bytes.Equal(s1, s2))

	k1, err := DeriveKey("password", s1, MinIterations)
	require.NoError(t, err)
	k2, err := DeriveKey("password", s2, MinIterations)
	require.NoError(t, err)

	assert.False(t, Equal(k1.Bytes(), k2.Bytes()))
}

func TestDeriveKey_RejectsWeakIterations(t *testing.T) {
	salt, err := GenerateSalt()
	require.NoError(t, err)

	_, err = DeriveKey("password", salt, MinIterations-1)
	assert.Error(t, err)
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)

	plaintext := []byte("ed25519 seed material goes here")
	ciphertext, err := Encrypt(plaintext, key)
	require.NoError(t, err)
	assert.NotContains(t, string(ciphertext), string(plaintext))

	decrypted, err := Decrypt(ciphertext, key)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestEncrypt_NonceUnique(t *testing.T) {
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)

	c1, err := Encrypt([]byte("same plaintext"), key)
	require.NoError(t, err)
	c2, err := Encrypt([]byte("same plaintext"), key)
	require.NoError(t, err)

	assert.False(t, bytes.Equal(c1, c2))
}

func TestDecrypt_WrongKeyFails(t *testing.T) {
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	wrongKey := make([]byte, KeySize)
	_, err = rand.Read(wrongKey)
	require.NoError(t, err)

	ciphertext, err := Encrypt([]byte("secret"), key)
	require.NoError(t, err)

	plaintext, err := Decrypt(ciphertext, wrongKey)
	assert.Nil(t, plaintext)
	assert.True(t, errors.Is(err, errs.ErrDecryption))
}

func TestDecrypt_TamperedCiphertextFails(t *testing.T) {
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)

	ciphertext, err := Encrypt([]byte("secret"), key)
	require.NoError(t, err)
	ciphertext[len(ciphertext)-1] ^= 0xff

	_, err = Decrypt(ciphertext, key)
	assert.True(t, errors.Is(err, errs.ErrDecryption))
}

func TestDecrypt_TruncatedEnvelopeFails(t *testing.T) {
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)

	_, err = Decrypt([]byte("too short"), key)
	assert.True(t, errors.Is(err, errs.ErrDecryption))
}

func TestSecret_Zeroize(t *testing.T) {
	raw := []byte{1, 2, 3, 4}
	s := NewSecret(raw)
	s.Zeroize()

	assert.Equal(t, []byte{0, 0, 0, 0}, raw)
	assert.Empty(t, s.Bytes())
}
