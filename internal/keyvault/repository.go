package keyvault

import (
	"context"
	"fmt"
	"sync"
	"time"

	"token-service/internal/errs"
	"token-service/internal/models"
)

// Repository stores custody records. Create must reject duplicates and
// UpdateKeyMaterial must be conditional on the previous encrypted blob so
// concurrent rotations serialize instead of overwriting each other.
type Repository interface {
	Create(ctx context.Context, wallet *models.UserWallet) error
	Get(ctx context.Context, userID string) (*models.UserWallet, error)
	// List returns every custody record. Snapshot use only, never on a
	// request path.
	List(ctx context.Context) ([]*models.UserWallet, error)
	UpdateKeyMaterial(ctx context.Context, wallet *models.UserWallet, prevEncrypted []byte) error
	TouchLastUsed(ctx context.Context, userID string, usedAt time.Time) error
	SetActive(ctx context.Context, userID string, active bool) error
	HealthCheck(ctx context.Context) error
}

// MemoryRepository backs the vault in development and tests, where no
// ScyllaDB cluster is available. Semantics match the durable backend,
// including the conditional rotation update.
type MemoryRepository struct {
	mu      sync.RWMutex
	wallets map[string]*models.UserWallet
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		wallets: make(map[string]*models.UserWallet),
	}
}

func (r *MemoryRepository) Create(ctx context.Context, wallet *models.UserWallet) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.wallets[wallet.UserID]; exists {
		return fmt.Errorf("%w: user %s", errs.ErrDuplicateWallet, wallet.UserID)
	}
	r.wallets[wallet.UserID] = cloneWallet(wallet)
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, userID string) (*models.UserWallet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wallet, ok := r.wallets[userID]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", errs.ErrWalletNotFound, userID)
	}
	return cloneWallet(wallet), nil
}

func (r *MemoryRepository) List(ctx context.Context) ([]*models.UserWallet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.UserWallet, 0, len(r.wallets))
	for _, wallet := range r.wallets {
		out = append(out, cloneWallet(wallet))
	}
	return out, nil
}

func (r *MemoryRepository) UpdateKeyMaterial(ctx context.Context, wallet *models.UserWallet, prevEncrypted []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.wallets[wallet.UserID]
	if !ok {
		return fmt.Errorf("%w: user %s", errs.ErrWalletNotFound, wallet.UserID)
	}
	if !bytesEqual(stored.EncryptedPrivateKey, prevEncrypted) {
		return fmt.Errorf("key material changed concurrently for user %s", wallet.UserID)
	}

	stored.EncryptedPrivateKey = append([]byte(nil), wallet.EncryptedPrivateKey...)
	stored.Salt = append([]byte(nil), wallet.Salt...)
	stored.KDFIterations = wallet.KDFIterations
	return nil
}

func (r *MemoryRepository) TouchLastUsed(ctx context.Context, userID string, usedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	wallet, ok := r.wallets[userID]
	if !ok {
		return fmt.Errorf("%w: user %s", errs.ErrWalletNotFound, userID)
	}
	used := usedAt
	wallet.LastUsed = &used
	return nil
}

func (r *MemoryRepository) SetActive(ctx context.Context, userID string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	wallet, ok := r.wallets[userID]
	if !ok {
		return fmt.Errorf("%w: user %s", errs.ErrWalletNotFound, userID)
	}
	wallet.IsActive = active
	return nil
}

func (r *MemoryRepository) HealthCheck(ctx context.Context) error {
	return nil
}

func cloneWallet(w *models.UserWallet) *models.UserWallet {
	out := *w
	out.PublicKey = append([]byte(nil), w.PublicKey...)
	out.EncryptedPrivateKey = append([]byte(nil), w.EncryptedPrivateKey...)
	out.Salt = append([]byte(nil), w.Salt...)
	if w.LastUsed != nil {
		used := *w.LastUsed
		out.LastUsed = &used
	}
	return &out
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
