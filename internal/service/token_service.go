// Package service orchestrates token operations across the vault, the rate
// limiter, the ledger and the monitor. Each operation follows the same
// shape: reserve rate-limit quota, record the intent, hand off to the
// broadcaster, finalize the ledger, then feed the outcome to the monitor.
package service

import (
	"context"
	"encoding/json"
	"fmt"

	"token-service/internal/errs"
	"token-service/internal/keyvault"
	"token-service/internal/ledger"
	"token-service/internal/models"
	"token-service/internal/monitor"
	"token-service/internal/ratelimit"
	"token-service/internal/util"
)

// Broadcaster is the external network client that submits signed
// transactions to the distributed ledger. The core records intents and
// reconciles outcomes; it never implements the network protocol itself.
type Broadcaster interface {
	Submit(ctx context.Context, signedTx []byte) (signature string, status string, err error)
	GetStatus(ctx context.Context, signature string) (string, error)
}

const (
	RuleSign     = "sign_ops"
	RuleMint     = "mint_ops"
	RuleTransfer = "transfer_ops"
	RuleBurn     = "burn_ops"
)

type MintRequest struct {
	UserID   string `json:"user_id"`
	Amount   uint64 `json:"amount"`
	Reason   string `json:"reason"`
	Password string `json:"password,omitempty"`
}

type TransferRequest struct {
	FromUser string `json:"from_user"`
	ToUser   string `json:"to_user"`
	Amount   uint64 `json:"amount"`
	Password string `json:"password,omitempty"`
}

type BurnRequest struct {
	UserID   string `json:"user_id"`
	Amount   uint64 `json:"amount"`
	Reason   string `json:"reason"`
	Password string `json:"password,omitempty"`
}

type TokenService struct {
	vault       *keyvault.Vault
	limiter     ratelimit.Limiter
	store       ledger.Store
	monitor     *monitor.Monitor
	broadcaster Broadcaster
}

// NewTokenService wires the orchestrator. broadcaster may be nil; the
// service then confirms intents locally without an external signature.
func NewTokenService(vault *keyvault.Vault, limiter ratelimit.Limiter, store ledger.Store, mon *monitor.Monitor, broadcaster Broadcaster) *TokenService {
	return &TokenService{
		vault:       vault,
		limiter:     limiter,
		store:       store,
		monitor:     mon,
		broadcaster: broadcaster,
	}
}

// CreateWallet provisions a signing key pair for the user.
func (s *TokenService) CreateWallet(ctx context.Context, userID, password string) (*models.UserWallet, error) {
	return s.vault.CreateWallet(ctx, userID, password)
}

func (s *TokenService) GetPublicKey(ctx context.Context, userID string) ([]byte, error) {
	return s.vault.GetPublicKey(ctx, userID)
}

func (s *TokenService) RotatePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	return s.vault.RotatePassword(ctx, userID, oldPassword, newPassword)
}

func (s *TokenService) SetWalletActive(ctx context.Context, userID string, active bool) error {
	return s.vault.SetActive(ctx, userID, active)
}

func (s *TokenService) BackupWallet(ctx context.Context, userID, password string) (*models.WalletBackup, error) {
	return s.vault.Backup(ctx, userID, password)
}

func (s *TokenService) RestoreWallet(ctx context.Context, backup *models.WalletBackup, password string) (*models.UserWallet, error) {
	return s.vault.Restore(ctx, backup, password)
}

func (s *TokenService) BackupDatabase(ctx context.Context, path string) (int, error) {
	return s.vault.BackupDatabase(ctx, path)
}

func (s *TokenService) RestoreDatabase(ctx context.Context, path string) (int, error) {
	return s.vault.RestoreDatabase(ctx, path)
}

// Sign produces a signature over an arbitrary payload with the user's wallet
// key, rate-limited under sign_ops. A failed signing attempt releases its
// quota reservation.
func (s *TokenService) Sign(ctx context.Context, userID, password string, payload []byte) ([]byte, error) {
	if err := s.reserve(ctx, userID, RuleSign); err != nil {
		return nil, err
	}

	signature, err := s.vault.Sign(ctx, userID, password, payload)
	if err != nil {
		s.release(ctx, userID, RuleSign)
		return nil, err
	}
	return signature, nil
}

// Mint credits newly issued tokens to a user.
func (s *TokenService) Mint(ctx context.Context, req *MintRequest) (*models.TransactionRecord, error) {
	if err := s.reserve(ctx, req.UserID, RuleMint); err != nil {
		return nil, err
	}
	return s.execute(ctx, req.UserID, req.Password, RuleMint, func() (*models.TransactionRecord, error) {
		return s.store.Begin(ctx, "", req.UserID, req.Amount, ledger.DefaultTokenType, models.OpMint, req.Reason)
	})
}

// Transfer moves tokens between two users.
func (s *TokenService) Transfer(ctx context.Context, req *TransferRequest) (*models.TransactionRecord, error) {
	if err := s.reserve(ctx, req.FromUser, RuleTransfer); err != nil {
		return nil, err
	}
	return s.execute(ctx, req.FromUser, req.Password, RuleTransfer, func() (*models.TransactionRecord, error) {
		return s.store.Begin(ctx, req.FromUser, req.ToUser, req.Amount, ledger.DefaultTokenType, models.OpTransfer, "")
	})
}

// Burn destroys tokens held by a user.
func (s *TokenService) Burn(ctx context.Context, req *BurnRequest) (*models.TransactionRecord, error) {
	if err := s.reserve(ctx, req.UserID, RuleBurn); err != nil {
		return nil, err
	}
	return s.execute(ctx, req.UserID, req.Password, RuleBurn, func() (*models.TransactionRecord, error) {
		return s.store.Begin(ctx, req.UserID, "", req.Amount, ledger.DefaultTokenType, models.OpBurn, req.Reason)
	})
}

// execute runs the shared intent lifecycle. begin records the pending
// intent; on any failure before confirmation the rate-limit reservation is
// released so failed operations do not consume quota. A persistence failure
// during commit leaves the record pending for later reconciliation.
func (s *TokenService) execute(ctx context.Context, userID, password, rule string, begin func() (*models.TransactionRecord, error)) (*models.TransactionRecord, error) {
	record, err := begin()
	if err != nil {
		s.release(ctx, userID, rule)
		return nil, err
	}

	externalSignature, err := s.broadcast(ctx, userID, password, record)
	if err != nil {
		if failed, failErr := s.store.Fail(ctx, record.TransactionID, err.Error()); failErr == nil {
			s.monitor.RecordEvent(ctx, failed, string(models.TxFailed))
		}
		s.release(ctx, userID, rule)
		return nil, err
	}

	confirmed, err := s.store.Commit(ctx, record.TransactionID, externalSignature)
	if err != nil {
		s.release(ctx, userID, rule)
		if failed, getErr := s.store.Get(ctx, record.TransactionID); getErr == nil && failed.Status == models.TxFailed {
			s.monitor.RecordEvent(ctx, failed, string(models.TxFailed))
		}
		return nil, err
	}

	s.monitor.RecordEvent(ctx, confirmed, string(models.TxConfirmed))
	return confirmed, nil
}

// broadcast hands the intent to the external network client. When a password
// is supplied the intent is signed with the user's wallet key first. With no
// broadcaster configured the intent confirms locally, unsigned.
func (s *TokenService) broadcast(ctx context.Context, userID, password string, record *models.TransactionRecord) (string, error) {
	if s.broadcaster == nil {
		return "", nil
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("failed to encode intent: %w", err)
	}

	signedTx := payload
	if password != "" {
		signature, signErr := s.vault.Sign(ctx, userID, password, payload)
		if signErr != nil {
			return "", signErr
		}
		envelope, marshalErr := json.Marshal(map[string]interface{}{
			"intent":    payload,
			"signature": signature,
		})
		if marshalErr != nil {
			return "", fmt.Errorf("failed to envelope intent: %w", marshalErr)
		}
		signedTx = envelope
	}

	signature, status, err := s.broadcaster.Submit(ctx, signedTx)
	if err != nil {
		return "", fmt.Errorf("broadcast failed: %w", err)
	}
	if status == "failed" {
		return "", fmt.Errorf("broadcast rejected transaction %s", record.TransactionID)
	}
	return signature, nil
}

func (s *TokenService) reserve(ctx context.Context, userID, rule string) error {
	decision, err := s.limiter.Allow(ctx, userID, rule)
	if err != nil {
		// Limiter backend trouble does not block operations.
		util.Warn("Rate limiter unavailable, allowing request",
			util.String("user_id", userID),
			util.String("rule_id", rule),
			util.ErrorField(err))
		return nil
	}
	if !decision.Allowed {
		return &errs.RateLimitError{Reason: decision.Reason, RetryAfter: decision.RetryAfter}
	}
	return nil
}

func (s *TokenService) release(ctx context.Context, userID, rule string) {
	if err := s.limiter.Cancel(ctx, userID, rule); err != nil {
		util.Warn("Failed to release rate-limit reservation",
			util.String("user_id", userID),
			util.String("rule_id", rule),
			util.ErrorField(err))
	}
}

func (s *TokenService) GetTransaction(ctx context.Context, transactionID string) (*models.TransactionRecord, error) {
	return s.store.Get(ctx, transactionID)
}

func (s *TokenService) GetBalance(ctx context.Context, userID string) (*models.TokenBalance, error) {
	return s.store.GetBalance(ctx, userID, ledger.DefaultTokenType)
}

func (s *TokenService) GetTransactions(ctx context.Context, userID string, limit int, cursor string) (*models.TransactionPage, error) {
	return s.store.GetTransactions(ctx, userID, limit, cursor)
}

func (s *TokenService) Statistics(ctx context.Context) (*models.LedgerStatistics, error) {
	return s.store.Statistics(ctx, ledger.DefaultTokenType)
}

func (s *TokenService) ActiveAlerts(level models.AlertLevel) []*models.Alert {
	return s.monitor.ActiveAlerts(level)
}

func (s *TokenService) ResolveAlert(alertID string) bool {
	return s.monitor.ResolveAlert(alertID)
}
