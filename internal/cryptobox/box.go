// Package cryptobox provides the symmetric primitives beneath the key vault:
// password-based key derivation and authenticated encryption of secrets.
package cryptobox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"token-service/internal/errs"
	"token-service/internal/util"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the AES-256 key length.
	KeySize = 32
	// SaltSize is the per-wallet KDF salt length. Salts are never reused.
	SaltSize = 16
	// MinIterations is the floor for the PBKDF2 iteration count.
	MinIterations = 100_000
)

// Internal failure codes for decrypt logging. The caller only ever sees
// errs.ErrDecryption so a wrong key is indistinguishable from tampering.
const (
	decryptCodeMalformed = "envelope_malformed"
	decryptCodeAuthFail  = "auth_tag_mismatch"
)

// GenerateSalt returns a fresh random KDF salt.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("%w: salt generation: %v", errs.ErrEncryption, err)
	}
	return salt, nil
}

// DeriveKey stretches a password into a 32-byte key with PBKDF2-HMAC-SHA256.
// The returned Secret must be zeroized by the caller.
func DeriveKey(password string, salt []byte, iterations int) (*Secret, error) {
	if iterations < MinIterations {
		return nil, fmt.Errorf("%w: iteration count %d below minimum %d",
			errs.ErrEncryption, iterations, MinIterations)
	}
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("%w: salt must be %d bytes", errs.ErrEncryption, SaltSize)
	}
	key := pbkdf2.Key([]byte(password), salt, iterations, KeySize, sha256.New)
	return NewSecret(key), nil
}

// Encrypt seals plaintext with AES-256-GCM. The random nonce is prefixed to
// the returned ciphertext so the envelope is self-contained.
func Encrypt(plaintext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrEncryption, err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrEncryption, err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrEncryption, err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens an envelope produced by Encrypt. A wrong key and a corrupted
// envelope both surface as errs.ErrDecryption; the distinction is logged
// under an internal code and never returned to the caller.
func Decrypt(ciphertext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w", errs.ErrDecryption)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w", errs.ErrDecryption)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize+gcm.Overhead() {
		util.Warn("Decrypt failed", util.String("code", decryptCodeMalformed))
		return nil, fmt.Errorf("%w", errs.ErrDecryption)
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		util.Warn("Decrypt failed", util.String("code", decryptCodeAuthFail))
		return nil, fmt.Errorf("%w", errs.ErrDecryption)
	}

	return plaintext, nil
}
