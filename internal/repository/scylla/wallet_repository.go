package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"token-service/internal/bucketing"
	"token-service/internal/errs"
	"token-service/internal/models"
	"token-service/internal/util"
)

// WalletRepository persists custody records in the wallets table, partitioned
// by user bucket. Creation and key rotation go through lightweight
// transactions so concurrent writers cannot clobber key material.
type WalletRepository struct {
	client  *ScyllaClient
	buckets *bucketing.Manager
}

func NewWalletRepository(client *ScyllaClient, buckets *bucketing.Manager) *WalletRepository {
	return &WalletRepository{
		client:  client,
		buckets: buckets,
	}
}

// Create inserts a wallet with IF NOT EXISTS. A second create for the same
// user loses the race and gets ErrDuplicateWallet.
func (r *WalletRepository) Create(ctx context.Context, wallet *models.UserWallet) error {
	wallet.UserBucket = r.buckets.UserBucket(wallet.UserID)

	applied, err := r.client.Session.Query(`
        INSERT INTO wallets (
            user_bucket, user_id, public_key, encrypted_private_key, salt,
            kdf_iterations, created_at, is_active
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`,
		wallet.UserBucket, wallet.UserID, wallet.PublicKey,
		wallet.EncryptedPrivateKey, wallet.Salt, wallet.KDFIterations,
		wallet.CreatedAt, wallet.IsActive).
		WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		util.Error("Failed to create wallet",
			util.String("user_id", wallet.UserID),
			util.ErrorField(err))
		return fmt.Errorf("failed to create wallet: %w", err)
	}
	if !applied {
		return fmt.Errorf("%w: user %s", errs.ErrDuplicateWallet, wallet.UserID)
	}

	util.Info("Wallet created",
		util.String("user_id", wallet.UserID),
		util.Int("user_bucket", wallet.UserBucket))
	return nil
}

func (r *WalletRepository) Get(ctx context.Context, userID string) (*models.UserWallet, error) {
	bucket := r.buckets.UserBucket(userID)
	wallet := &models.UserWallet{}
	var lastUsed time.Time

	query := r.client.Prepared.GetWallet.Bind(bucket, userID).WithContext(ctx)
	err := r.client.ScanWithRetry(query,
		&wallet.UserBucket, &wallet.UserID, &wallet.PublicKey,
		&wallet.EncryptedPrivateKey, &wallet.Salt, &wallet.KDFIterations,
		&wallet.CreatedAt, &lastUsed, &wallet.IsActive)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, fmt.Errorf("%w: user %s", errs.ErrWalletNotFound, userID)
		}
		util.Error("Failed to get wallet",
			util.String("user_id", userID),
			util.ErrorField(err))
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}

	if !lastUsed.IsZero() {
		wallet.LastUsed = &lastUsed
	}
	return wallet, nil
}

// List pages through the whole wallets table. Snapshot use only; the scan
// crosses every partition.
func (r *WalletRepository) List(ctx context.Context) ([]*models.UserWallet, error) {
	iter := r.client.Session.Query(`
        SELECT user_bucket, user_id, public_key, encrypted_private_key, salt,
               kdf_iterations, created_at, last_used, is_active
        FROM wallets`).
		WithContext(ctx).PageSize(500).Iter()

	var wallets []*models.UserWallet
	for {
		wallet := &models.UserWallet{}
		var lastUsed time.Time
		if !iter.Scan(&wallet.UserBucket, &wallet.UserID, &wallet.PublicKey,
			&wallet.EncryptedPrivateKey, &wallet.Salt, &wallet.KDFIterations,
			&wallet.CreatedAt, &lastUsed, &wallet.IsActive) {
			break
		}
		if !lastUsed.IsZero() {
			used := lastUsed
			wallet.LastUsed = &used
		}
		wallets = append(wallets, wallet)
	}
	if err := iter.Close(); err != nil {
		util.Error("Failed to list wallets", util.ErrorField(err))
		return nil, fmt.Errorf("failed to list wallets: %w", err)
	}
	return wallets, nil
}

// UpdateKeyMaterial swaps the encrypted key blob only if the stored blob still
// matches prevEncrypted. A concurrent rotation that won the race leaves the
// condition false and the caller retries from a fresh read.
func (r *WalletRepository) UpdateKeyMaterial(ctx context.Context, wallet *models.UserWallet, prevEncrypted []byte) error {
	bucket := r.buckets.UserBucket(wallet.UserID)

	applied, err := r.client.Session.Query(`
        UPDATE wallets
        SET encrypted_private_key = ?, salt = ?, kdf_iterations = ?
        WHERE user_bucket = ? AND user_id = ?
        IF encrypted_private_key = ?`,
		wallet.EncryptedPrivateKey, wallet.Salt, wallet.KDFIterations,
		bucket, wallet.UserID, prevEncrypted).
		WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		util.Error("Failed to rotate wallet key material",
			util.String("user_id", wallet.UserID),
			util.ErrorField(err))
		return fmt.Errorf("failed to rotate key material: %w", err)
	}
	if !applied {
		return fmt.Errorf("key material changed concurrently for user %s", wallet.UserID)
	}

	util.Info("Wallet key material rotated", util.String("user_id", wallet.UserID))
	return nil
}

func (r *WalletRepository) TouchLastUsed(ctx context.Context, userID string, usedAt time.Time) error {
	bucket := r.buckets.UserBucket(userID)
	query := r.client.Prepared.TouchLastUsed.Bind(usedAt, bucket, userID).WithContext(ctx)
	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		return fmt.Errorf("failed to update last_used: %w", err)
	}
	return nil
}

func (r *WalletRepository) SetActive(ctx context.Context, userID string, active bool) error {
	bucket := r.buckets.UserBucket(userID)
	query := r.client.Prepared.SetActive.Bind(active, bucket, userID).WithContext(ctx)
	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to update wallet active flag",
			util.String("user_id", userID),
			util.ErrorField(err))
		return fmt.Errorf("failed to update wallet status: %w", err)
	}

	util.Info("Wallet active flag updated",
		util.String("user_id", userID),
		util.Bool("is_active", active))
	return nil
}

func (r *WalletRepository) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck()
}
