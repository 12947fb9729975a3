package keyvault

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"token-service/internal/client"
	"token-service/internal/config"
	"token-service/internal/errs"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	cfg := &config.Config{
		Crypto: config.CryptoConfig{KDFIterations: 100_000, SignWorkers: 2},
	}
	kmsClient, err := client.NewKMSClient(cfg)
	require.NoError(t, err)
	return NewVault(cfg, NewMemoryRepository(), kmsClient)
}

func TestVault_CreateSignVerify(t *testing.T) {
	vault := newTestVault(t)
	ctx := context.Background()

	wallet, err := vault.CreateWallet(ctx, "alice", "correct horse battery")
	require.NoError(t, err)
	assert.Equal(t, "alice", wallet.UserID)
	assert.Len(t, wallet.PublicKey, 32)
	assert.True(t, wallet.IsActive)

	message := []byte("transfer 100 to bob")
	signature, err := vault.Sign(ctx, "alice", "correct horse battery", message)
	require.NoError(t, err)

	valid, err := vault.Verify(ctx, "alice", message, signature)
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = vault.Verify(ctx, "alice", []byte("transfer 999 to mallory"), signature)
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestVault_WrongPassword(t *testing.T) {
	vault := newTestVault(t)
	ctx := context.Background()

	_, err := vault.CreateWallet(ctx, "alice", "right password")
	require.NoError(t, err)

	_, err = vault.Sign(ctx, "alice", "wrong password", []byte("msg"))
	assert.ErrorIs(t, err, errs.ErrAuthentication)
}

func TestVault_DuplicateCreate(t *testing.T) {
	vault := newTestVault(t)
	ctx := context.Background()

	_, err := vault.CreateWallet(ctx, "alice", "pw")
	require.NoError(t, err)

	_, err = vault.CreateWallet(ctx, "alice", "other pw")
	assert.ErrorIs(t, err, errs.ErrDuplicateWallet)
}

func TestVault_UnknownUser(t *testing.T) {
	vault := newTestVault(t)

	_, err := vault.GetPublicKey(context.Background(), "ghost")
	assert.ErrorIs(t, err, errs.ErrWalletNotFound)
}

func TestVault_InactiveWalletCannotSign(t *testing.T) {
	vault := newTestVault(t)
	ctx := context.Background()

	_, err := vault.CreateWallet(ctx, "alice", "pw")
	require.NoError(t, err)
	require.NoError(t, vault.SetActive(ctx, "alice", false))

	_, err = vault.Sign(ctx, "alice", "pw", []byte("msg"))
	assert.ErrorIs(t, err, errs.ErrWalletInactive)

	// Public key stays readable while deactivated.
	_, err = vault.GetPublicKey(ctx, "alice")
	assert.NoError(t, err)

	require.NoError(t, vault.SetActive(ctx, "alice", true))
	_, err = vault.Sign(ctx, "alice", "pw", []byte("msg"))
	assert.NoError(t, err)
}

func TestVault_RotatePassword(t *testing.T) {
	vault := newTestVault(t)
	ctx := context.Background()

	_, err := vault.CreateWallet(ctx, "alice", "old password")
	require.NoError(t, err)

	message := []byte("msg")
	before, err := vault.Sign(ctx, "alice", "old password", message)
	require.NoError(t, err)

	require.NoError(t, vault.RotatePassword(ctx, "alice", "old password", "new password"))

	_, err = vault.Sign(ctx, "alice", "old password", message)
	assert.ErrorIs(t, err, errs.ErrAuthentication)

	after, err := vault.Sign(ctx, "alice", "new password", message)
	require.NoError(t, err)

	// Same key pair survives rotation.
	assert.Equal(t, before, after)
}

func TestVault_RotateRequiresOldPassword(t *testing.T) {
	vault := newTestVault(t)
	ctx := context.Background()

	_, err := vault.CreateWallet(ctx, "alice", "old password")
	require.NoError(t, err)

	err = vault.RotatePassword(ctx, "alice", "guessed wrong", "new password")
	assert.ErrorIs(t, err, errs.ErrAuthentication)

	_, err = vault.Sign(ctx, "alice", "old password", []byte("msg"))
	assert.NoError(t, err)
}

func TestMemoryRepository_ConditionalRotation(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	vault := newTestVaultWith(t, repo)

	wallet, err := vault.CreateWallet(ctx, "alice", "pw")
	require.NoError(t, err)

	// A rotation conditioned on stale key material must not apply.
	stale := append([]byte(nil), wallet.EncryptedPrivateKey...)
	stale[0] ^= 0xff
	err = repo.UpdateKeyMaterial(ctx, wallet, stale)
	assert.Error(t, err)
}

func newTestVaultWith(t *testing.T, repo Repository) *Vault {
	t.Helper()
	cfg := &config.Config{
		Crypto: config.CryptoConfig{KDFIterations: 100_000, SignWorkers: 2},
	}
	kmsClient, err := client.NewKMSClient(cfg)
	require.NoError(t, err)
	return NewVault(cfg, repo, kmsClient)
}

func TestVault_BackupRestore(t *testing.T) {
	ctx := context.Background()
	source := newTestVault(t)

	_, err := source.CreateWallet(ctx, "alice", "pw")
	require.NoError(t, err)
	original, err := source.Sign(ctx, "alice", "pw", []byte("msg"))
	require.NoError(t, err)

	backup, err := source.Backup(ctx, "alice", "pw")
	require.NoError(t, err)
	assert.Equal(t, "v1", backup.Version)
	assert.Equal(t, "alice", backup.UserID)

	// Restore into a fresh vault and sign with the original password.
	target := newTestVault(t)
	restored, err := target.Restore(ctx, backup, "pw")
	require.NoError(t, err)
	assert.Equal(t, "alice", restored.UserID)

	signature, err := target.Sign(ctx, "alice", "pw", []byte("msg"))
	require.NoError(t, err)
	assert.Equal(t, original, signature)
}

func TestVault_BackupRequiresPassword(t *testing.T) {
	vault := newTestVault(t)
	ctx := context.Background()

	_, err := vault.CreateWallet(ctx, "alice", "pw")
	require.NoError(t, err)

	_, err = vault.Backup(ctx, "alice", "not the password")
	assert.ErrorIs(t, err, errs.ErrAuthentication)
}

func TestVault_RestoreOverExistingWalletFails(t *testing.T) {
	vault := newTestVault(t)
	ctx := context.Background()

	_, err := vault.CreateWallet(ctx, "alice", "pw")
	require.NoError(t, err)
	backup, err := vault.Backup(ctx, "alice", "pw")
	require.NoError(t, err)

	_, err = vault.Restore(ctx, backup, "pw")
	assert.ErrorIs(t, err, errs.ErrDuplicateWallet)
}

func TestVault_RestoreRequiresPassword(t *testing.T) {
	ctx := context.Background()
	source := newTestVault(t)

	_, err := source.CreateWallet(ctx, "alice", "pw")
	require.NoError(t, err)
	backup, err := source.Backup(ctx, "alice", "pw")
	require.NoError(t, err)

	// The blob alone must not be enough to recreate the wallet.
	target := newTestVault(t)
	_, err = target.Restore(ctx, backup, "not the password")
	assert.ErrorIs(t, err, errs.ErrAuthentication)

	_, err = target.GetWallet(ctx, "alice")
	assert.ErrorIs(t, err, errs.ErrWalletNotFound)
}

func TestVault_DatabaseSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	source := newTestVault(t)

	_, err := source.CreateWallet(ctx, "alice", "pw-a")
	require.NoError(t, err)
	_, err = source.CreateWallet(ctx, "bob", "pw-b")
	require.NoError(t, err)
	original, err := source.Sign(ctx, "alice", "pw-a", []byte("msg"))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "wallets.snapshot")
	count, err := source.BackupDatabase(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	target := newTestVault(t)
	restored, err := target.RestoreDatabase(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 2, restored)

	// Restored wallets still unlock with their original passwords.
	signature, err := target.Sign(ctx, "alice", "pw-a", []byte("msg"))
	require.NoError(t, err)
	assert.Equal(t, original, signature)
}

func TestVault_DatabaseRestoreSkipsExistingWallets(t *testing.T) {
	ctx := context.Background()
	vault := newTestVault(t)

	_, err := vault.CreateWallet(ctx, "alice", "pw")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "wallets.snapshot")
	_, err = vault.BackupDatabase(ctx, path)
	require.NoError(t, err)

	restored, err := vault.RestoreDatabase(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 0, restored)
}

func TestVault_AuditTrailCoversSignAttempts(t *testing.T) {
	ctx := context.Background()
	vault := newTestVault(t)

	type entry struct {
		action string
		userID string
		failed bool
	}
	var entries []entry
	vault.audit = func(action, userID string, err error) {
		entries = append(entries, entry{action, userID, err != nil})
	}

	_, err := vault.CreateWallet(ctx, "alice", "pw")
	require.NoError(t, err)

	_, err = vault.Sign(ctx, "alice", "pw", []byte("msg"))
	require.NoError(t, err)
	_, err = vault.Sign(ctx, "alice", "wrong", []byte("msg"))
	require.ErrorIs(t, err, errs.ErrAuthentication)

	assert.Contains(t, entries, entry{"unlock", "alice", false})
	assert.Contains(t, entries, entry{"sign", "alice", false})
	assert.Contains(t, entries, entry{"unlock", "alice", true})
	assert.Contains(t, entries, entry{"sign", "alice", true})
}
