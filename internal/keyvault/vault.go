// Package keyvault implements custody of user signing keys. Private keys are
// stored encrypted under a password-derived AES key and only ever exist in
// plaintext inside a signing call, zeroized before it returns.
package keyvault

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/semaphore"

	"token-service/internal/client"
	"token-service/internal/config"
	"token-service/internal/cryptobox"
	"token-service/internal/errs"
	"token-service/internal/models"
	"token-service/internal/util"
)

const backupVersion = "v1"

type Vault struct {
	repo          Repository
	kms           *client.KMSClient
	kdfIterations int

	// kdfSem bounds concurrent key derivations. PBKDF2 at production
	// iteration counts saturates a core per call.
	kdfSem *semaphore.Weighted

	// audit receives every decrypt and sign attempt with its outcome.
	audit func(action, userID string, err error)
}

func NewVault(cfg *config.Config, repo Repository, kmsClient *client.KMSClient) *Vault {
	return &Vault{
		repo:          repo,
		kms:           kmsClient,
		kdfIterations: cfg.Crypto.KDFIterations,
		kdfSem:        semaphore.NewWeighted(int64(cfg.Crypto.SignWorkers)),
		audit:         logAudit,
	}
}

func logAudit(action, userID string, err error) {
	if err != nil {
		util.Warn("Key custody operation denied",
			util.String("action", action),
			util.String("user_id", userID),
			util.ErrorField(err))
		return
	}
	util.Info("Key custody operation completed",
		util.String("action", action),
		util.String("user_id", userID))
}

func (v *Vault) deriveKey(ctx context.Context, password string, salt []byte, iterations int) (*cryptobox.Secret, error) {
	if err := v.kdfSem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("key derivation queue: %w", err)
	}
	defer v.kdfSem.Release(1)
	return cryptobox.DeriveKey(password, salt, iterations)
}

// CreateWallet generates a fresh ed25519 key pair for the user and stores the
// private key encrypted under the password. The plaintext key is wiped before
// returning.
func (v *Vault) CreateWallet(ctx context.Context, userID, password string) (*models.UserWallet, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id must not be empty")
	}
	if password == "" {
		return nil, fmt.Errorf("%w: empty password", errs.ErrAuthentication)
	}

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	privSecret := cryptobox.NewSecret(privateKey)
	defer privSecret.Zeroize()

	salt, err := cryptobox.GenerateSalt()
	if err != nil {
		return nil, err
	}

	key, err := v.deriveKey(ctx, password, salt, v.kdfIterations)
	if err != nil {
		return nil, err
	}
	defer key.Zeroize()

	encrypted, err := cryptobox.Encrypt(privSecret.Bytes(), key.Bytes())
	if err != nil {
		return nil, err
	}

	wallet := &models.UserWallet{
		UserID:              userID,
		PublicKey:           append([]byte(nil), publicKey...),
		EncryptedPrivateKey: encrypted,
		Salt:                salt,
		KDFIterations:       v.kdfIterations,
		CreatedAt:           time.Now().UTC(),
		IsActive:            true,
	}

	if err := v.repo.Create(ctx, wallet); err != nil {
		return nil, err
	}

	util.Info("Wallet created", util.String("user_id", userID))
	return wallet, nil
}

func (v *Vault) GetWallet(ctx context.Context, userID string) (*models.UserWallet, error) {
	return v.repo.Get(ctx, userID)
}

func (v *Vault) GetPublicKey(ctx context.Context, userID string) ([]byte, error) {
	wallet, err := v.repo.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	return wallet.PublicKey, nil
}

// unlock decrypts the wallet's private key with the supplied password. Any
// decryption failure surfaces as an authentication error; the caller cannot
// tell a wrong password from tampered ciphertext.
func (v *Vault) unlock(ctx context.Context, wallet *models.UserWallet, password string) (*cryptobox.Secret, error) {
	key, err := v.deriveKey(ctx, password, wallet.Salt, wallet.KDFIterations)
	if err != nil {
		v.audit("unlock", wallet.UserID, err)
		return nil, err
	}
	defer key.Zeroize()

	plaintext, err := cryptobox.Decrypt(wallet.EncryptedPrivateKey, key.Bytes())
	if err != nil {
		authErr := fmt.Errorf("%w: user %s", errs.ErrAuthentication, wallet.UserID)
		v.audit("unlock", wallet.UserID, authErr)
		return nil, authErr
	}
	v.audit("unlock", wallet.UserID, nil)
	return cryptobox.NewSecret(plaintext), nil
}

// Sign produces an ed25519 signature over message with the user's wallet key.
func (v *Vault) Sign(ctx context.Context, userID, password string, message []byte) ([]byte, error) {
	wallet, err := v.repo.Get(ctx, userID)
	if err != nil {
		v.audit("sign", userID, err)
		return nil, err
	}
	if !wallet.IsActive {
		inactiveErr := fmt.Errorf("%w: user %s", errs.ErrWalletInactive, userID)
		v.audit("sign", userID, inactiveErr)
		return nil, inactiveErr
	}

	privSecret, err := v.unlock(ctx, wallet, password)
	if err != nil {
		v.audit("sign", userID, err)
		return nil, err
	}
	defer privSecret.Zeroize()

	if len(privSecret.Bytes()) != ed25519.PrivateKeySize {
		corruptErr := fmt.Errorf("%w: corrupt key material for user %s", errs.ErrDecryption, userID)
		v.audit("sign", userID, corruptErr)
		return nil, corruptErr
	}
	signature := ed25519.Sign(ed25519.PrivateKey(privSecret.Bytes()), message)

	if err := v.repo.TouchLastUsed(ctx, userID, time.Now().UTC()); err != nil {
		util.Warn("Failed to update wallet last_used",
			util.String("user_id", userID),
			util.ErrorField(err))
	}
	v.audit("sign", userID, nil)
	return signature, nil
}

// Verify checks an ed25519 signature against the user's stored public key.
func (v *Vault) Verify(ctx context.Context, userID string, message, signature []byte) (bool, error) {
	wallet, err := v.repo.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	if len(wallet.PublicKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("corrupt public key for user %s", userID)
	}
	return ed25519.Verify(ed25519.PublicKey(wallet.PublicKey), message, signature), nil
}

// RotatePassword re-encrypts the private key under a new password. The
// repository update is conditional on the previous encrypted blob, so two
// concurrent rotations cannot both win.
func (v *Vault) RotatePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	if newPassword == "" {
		return fmt.Errorf("%w: empty new password", errs.ErrAuthentication)
	}

	wallet, err := v.repo.Get(ctx, userID)
	if err != nil {
		return err
	}

	privSecret, err := v.unlock(ctx, wallet, oldPassword)
	if err != nil {
		return err
	}
	defer privSecret.Zeroize()

	salt, err := cryptobox.GenerateSalt()
	if err != nil {
		return err
	}
	newKey, err := v.deriveKey(ctx, newPassword, salt, v.kdfIterations)
	if err != nil {
		return err
	}
	defer newKey.Zeroize()

	encrypted, err := cryptobox.Encrypt(privSecret.Bytes(), newKey.Bytes())
	if err != nil {
		return err
	}

	prevEncrypted := wallet.EncryptedPrivateKey
	updated := &models.UserWallet{
		UserID:              userID,
		EncryptedPrivateKey: encrypted,
		Salt:                salt,
		KDFIterations:       v.kdfIterations,
	}
	if err := v.repo.UpdateKeyMaterial(ctx, updated, prevEncrypted); err != nil {
		return err
	}

	util.Info("Wallet password rotated", util.String("user_id", userID))
	return nil
}

func (v *Vault) SetActive(ctx context.Context, userID string, active bool) error {
	if _, err := v.repo.Get(ctx, userID); err != nil {
		return err
	}
	return v.repo.SetActive(ctx, userID, active)
}

// backupPayload is what gets encrypted inside a WalletBackup envelope.
type backupPayload struct {
	UserID              string    `json:"user_id"`
	PublicKey           []byte    `json:"public_key"`
	EncryptedPrivateKey []byte    `json:"encrypted_private_key"`
	Salt                []byte    `json:"salt"`
	KDFIterations       int       `json:"kdf_iterations"`
	CreatedAt           time.Time `json:"created_at"`
}

// Backup exports the wallet as an envelope encrypted under a KMS data key.
// The caller must present the wallet password; the export still carries the
// private key only in its password-encrypted form.
func (v *Vault) Backup(ctx context.Context, userID, password string) (*models.WalletBackup, error) {
	wallet, err := v.repo.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	// Prove the caller holds the password before exporting anything.
	privSecret, err := v.unlock(ctx, wallet, password)
	if err != nil {
		return nil, err
	}
	privSecret.Zeroize()

	payload, err := json.Marshal(backupPayload{
		UserID:              wallet.UserID,
		PublicKey:           wallet.PublicKey,
		EncryptedPrivateKey: wallet.EncryptedPrivateKey,
		Salt:                wallet.Salt,
		KDFIterations:       wallet.KDFIterations,
		CreatedAt:           wallet.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal backup payload: %w", err)
	}

	dataKey, err := v.kms.GenerateDataKey(ctx)
	if err != nil {
		return nil, err
	}
	keySecret := cryptobox.NewSecret(dataKey.Plaintext)
	defer keySecret.Zeroize()

	sealed, err := cryptobox.Encrypt(payload, keySecret.Bytes())
	if err != nil {
		return nil, err
	}

	util.Info("Wallet backup exported", util.String("user_id", userID))
	return &models.WalletBackup{
		Version:    backupVersion,
		UserID:     userID,
		Payload:    sealed,
		WrappedKey: dataKey.Ciphertext,
		KMSKeyID:   dataKey.KeyID,
		ExportedAt: time.Now().UTC(),
	}, nil
}

// Restore imports a backup envelope as a new wallet record. Holding the
// blob is not enough; the caller must also present the wallet password.
// Restoring over an existing wallet is rejected as a duplicate.
func (v *Vault) Restore(ctx context.Context, backup *models.WalletBackup, password string) (*models.UserWallet, error) {
	if backup.Version != backupVersion {
		return nil, fmt.Errorf("unsupported backup version %q", backup.Version)
	}

	keyBytes, err := v.kms.UnwrapDataKey(ctx, backup.WrappedKey)
	if err != nil {
		return nil, err
	}
	keySecret := cryptobox.NewSecret(keyBytes)
	defer keySecret.Zeroize()

	raw, err := cryptobox.Decrypt(backup.Payload, keySecret.Bytes())
	if err != nil {
		return nil, err
	}

	var payload backupPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: malformed backup payload", errs.ErrDecryption)
	}

	candidate := &models.UserWallet{
		UserID:              payload.UserID,
		EncryptedPrivateKey: payload.EncryptedPrivateKey,
		Salt:                payload.Salt,
		KDFIterations:       payload.KDFIterations,
	}
	privSecret, err := v.unlock(ctx, candidate, password)
	if err != nil {
		return nil, err
	}
	privSecret.Zeroize()

	wallet := &models.UserWallet{
		UserID:              payload.UserID,
		PublicKey:           payload.PublicKey,
		EncryptedPrivateKey: payload.EncryptedPrivateKey,
		Salt:                payload.Salt,
		KDFIterations:       payload.KDFIterations,
		CreatedAt:           payload.CreatedAt,
		IsActive:            true,
	}
	if err := v.repo.Create(ctx, wallet); err != nil {
		return nil, err
	}

	util.Info("Wallet restored from backup", util.String("user_id", wallet.UserID))
	return wallet, nil
}

// databaseSnapshot is what gets encrypted inside a DatabaseBackup envelope.
type databaseSnapshot struct {
	Version    string               `json:"version"`
	ExportedAt time.Time            `json:"exported_at"`
	Wallets    []*models.UserWallet `json:"wallets"`
}

// BackupDatabase writes an encrypted snapshot of every wallet record to
// path. Private keys stay in their password-encrypted form inside the
// envelope.
func (v *Vault) BackupDatabase(ctx context.Context, path string) (int, error) {
	wallets, err := v.repo.List(ctx)
	if err != nil {
		return 0, err
	}

	raw, err := json.Marshal(databaseSnapshot{
		Version:    backupVersion,
		ExportedAt: time.Now().UTC(),
		Wallets:    wallets,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	dataKey, err := v.kms.GenerateDataKey(ctx)
	if err != nil {
		return 0, err
	}
	keySecret := cryptobox.NewSecret(dataKey.Plaintext)
	defer keySecret.Zeroize()

	sealed, err := cryptobox.Encrypt(raw, keySecret.Bytes())
	if err != nil {
		return 0, err
	}

	envelope, err := json.Marshal(&models.DatabaseBackup{
		Version:     backupVersion,
		WalletCount: len(wallets),
		Payload:     sealed,
		WrappedKey:  dataKey.Ciphertext,
		KMSKeyID:    dataKey.KeyID,
		ExportedAt:  time.Now().UTC(),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal snapshot envelope: %w", err)
	}

	if err := os.WriteFile(path, envelope, 0600); err != nil {
		return 0, fmt.Errorf("failed to write snapshot: %w", err)
	}

	util.Info("Wallet store snapshot written",
		util.String("path", path),
		util.Int("wallets", len(wallets)))
	return len(wallets), nil
}

// RestoreDatabase loads a snapshot from path and recreates every wallet that
// does not already exist. Existing wallets are left untouched.
func (v *Vault) RestoreDatabase(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var envelope models.DatabaseBackup
	if err := json.Unmarshal(data, &envelope); err != nil {
		return 0, fmt.Errorf("%w: malformed snapshot envelope", errs.ErrDecryption)
	}
	if envelope.Version != backupVersion {
		return 0, fmt.Errorf("unsupported backup version %q", envelope.Version)
	}

	keyBytes, err := v.kms.UnwrapDataKey(ctx, envelope.WrappedKey)
	if err != nil {
		return 0, err
	}
	keySecret := cryptobox.NewSecret(keyBytes)
	defer keySecret.Zeroize()

	raw, err := cryptobox.Decrypt(envelope.Payload, keySecret.Bytes())
	if err != nil {
		return 0, err
	}

	var snapshot databaseSnapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return 0, fmt.Errorf("%w: malformed snapshot payload", errs.ErrDecryption)
	}

	restored := 0
	for _, wallet := range snapshot.Wallets {
		if err := v.repo.Create(ctx, wallet); err != nil {
			if errors.Is(err, errs.ErrDuplicateWallet) {
				continue
			}
			return restored, err
		}
		restored++
	}

	util.Info("Wallet store snapshot restored",
		util.String("path", path),
		util.Int("restored", restored))
	return restored, nil
}

func (v *Vault) HealthCheck(ctx context.Context) error {
	return v.repo.HealthCheck(ctx)
}
