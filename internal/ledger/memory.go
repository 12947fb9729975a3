package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"token-service/internal/errs"
	"token-service/internal/models"
	"token-service/internal/util"

	"github.com/google/uuid"
)

// MemoryStore keeps the ledger in process memory. It is the development and
// test backend; the store-wide mutex makes every commit atomic and
// trivially serializes concurrent debits. Durable deployments use the
// postgres store, which relies on row locks instead.
type MemoryStore struct {
	mu           sync.RWMutex
	transactions map[string]*models.TransactionRecord
	balances     map[string]*models.TokenBalance

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transactions: make(map[string]*models.TransactionRecord),
		balances:     make(map[string]*models.TokenBalance),
		now:          time.Now,
	}
}

func balanceKey(userID, tokenType string) string {
	return userID + "|" + tokenType
}

func (s *MemoryStore) Begin(ctx context.Context, fromUser, toUser string, amount uint64, tokenType string, op models.Operation, reason string) (*models.TransactionRecord, error) {
	if err := ValidateIntent(fromUser, toUser, amount, op); err != nil {
		return nil, err
	}
	if tokenType == "" {
		tokenType = DefaultTokenType
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Fast-fail before any record exists: the debited user must cover the
	// amount from confirmed balance.
	if op == models.OpTransfer || op == models.OpBurn {
		if s.confirmedBalance(fromUser, tokenType) < amount {
			return nil, fmt.Errorf("%w: user %s", errs.ErrInsufficientFunds, fromUser)
		}
	}

	record := &models.TransactionRecord{
		TransactionID: uuid.New().String(),
		FromUser:      fromUser,
		ToUser:        toUser,
		Amount:        amount,
		TokenType:     tokenType,
		Operation:     op,
		Status:        models.TxPending,
		Reason:        reason,
		CreatedAt:     s.now(),
	}
	s.transactions[record.TransactionID] = record

	copied := *record
	return &copied, nil
}

func (s *MemoryStore) confirmedBalance(userID, tokenType string) uint64 {
	if b, ok := s.balances[balanceKey(userID, tokenType)]; ok {
		return b.Balance
	}
	return 0
}

// Commit finalizes and applies a pending record. Re-validation of
// sufficiency happens here, under the store lock, so two commits debiting
// the same account see each other's effects.
func (s *MemoryStore) Commit(ctx context.Context, transactionID, externalSignature string) (*models.TransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.transactions[transactionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errs.ErrTransactionNotFound, transactionID)
	}

	if record.Status.IsTerminal() {
		if record.Status == models.TxConfirmed {
			// Idempotent: balances were applied exactly once.
			copied := *record
			return &copied, nil
		}
		return nil, fmt.Errorf("%w: transaction is %s", errs.ErrAlreadyFinalized, record.Status)
	}

	if record.Operation == models.OpTransfer || record.Operation == models.OpBurn {
		if s.confirmedBalance(record.FromUser, record.TokenType) < record.Amount {
			record.Status = models.TxFailed
			record.Reason = "insufficient funds at commit"
			copied := *record
			return &copied, fmt.Errorf("%w: user %s", errs.ErrInsufficientFunds, record.FromUser)
		}
	}

	now := s.now()
	switch record.Operation {
	case models.OpMint:
		s.credit(record.ToUser, record.TokenType, record.Amount, now)
	case models.OpTransfer:
		s.debit(record.FromUser, record.TokenType, record.Amount, now)
		s.credit(record.ToUser, record.TokenType, record.Amount, now)
	case models.OpBurn:
		s.debit(record.FromUser, record.TokenType, record.Amount, now)
	}

	record.Status = models.TxConfirmed
	record.ConfirmedAt = &now
	record.ExternalSignature = externalSignature

	copied := *record
	return &copied, nil
}

func (s *MemoryStore) credit(userID, tokenType string, amount uint64, now time.Time) {
	key := balanceKey(userID, tokenType)
	b, ok := s.balances[key]
	if !ok {
		b = &models.TokenBalance{UserID: userID, TokenType: tokenType}
		s.balances[key] = b
	}
	b.Balance += amount
	b.TransactionCount++
	b.LastUpdated = now
}

func (s *MemoryStore) debit(userID, tokenType string, amount uint64, now time.Time) {
	key := balanceKey(userID, tokenType)
	b := s.balances[key]
	b.Balance -= amount
	b.TransactionCount++
	b.LastUpdated = now
}

func (s *MemoryStore) Fail(ctx context.Context, transactionID, reason string) (*models.TransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.transactions[transactionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errs.ErrTransactionNotFound, transactionID)
	}

	if record.Status.IsTerminal() {
		if record.Status == models.TxFailed {
			copied := *record
			return &copied, nil
		}
		return nil, fmt.Errorf("%w: transaction is %s", errs.ErrAlreadyFinalized, record.Status)
	}

	record.Status = models.TxFailed
	record.Reason = reason

	copied := *record
	return &copied, nil
}

func (s *MemoryStore) ExpireStale(ctx context.Context, maxAge time.Duration) ([]*models.TransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-maxAge)
	var expired []*models.TransactionRecord
	for _, record := range s.transactions {
		if record.Status == models.TxPending && record.CreatedAt.Before(cutoff) {
			record.Status = models.TxExpired
			copied := *record
			expired = append(expired, &copied)
		}
	}

	if len(expired) > 0 {
		util.Info("Expired stale transactions", util.Int("count", len(expired)))
	}
	return expired, nil
}

func (s *MemoryStore) Get(ctx context.Context, transactionID string) (*models.TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.transactions[transactionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errs.ErrTransactionNotFound, transactionID)
	}
	copied := *record
	return &copied, nil
}

func (s *MemoryStore) GetBalance(ctx context.Context, userID, tokenType string) (*models.TokenBalance, error) {
	if tokenType == "" {
		tokenType = DefaultTokenType
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if b, ok := s.balances[balanceKey(userID, tokenType)]; ok {
		copied := *b
		return &copied, nil
	}
	return &models.TokenBalance{UserID: userID, TokenType: tokenType}, nil
}

func (s *MemoryStore) GetTransactions(ctx context.Context, userID string, limit int, cursor string) (*models.TransactionPage, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	cursorTime, cursorID, err := DecodeCursor(cursor)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	var records []*models.TransactionRecord
	for _, record := range s.transactions {
		if record.FromUser != userID && record.ToUser != userID {
			continue
		}
		copied := *record
		records = append(records, &copied)
	}
	s.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.After(records[j].CreatedAt)
		}
		return records[i].TransactionID > records[j].TransactionID
	})

	// Skip everything at or after the cursor position.
	if cursorID != "" {
		start := 0
		for i, record := range records {
			if record.CreatedAt.Before(cursorTime) ||
				(record.CreatedAt.Equal(cursorTime) && record.TransactionID < cursorID) {
				start = i
				break
			}
			start = i + 1
		}
		records = records[start:]
	}

	page := &models.TransactionPage{}
	if len(records) > limit {
		records = records[:limit]
		last := records[len(records)-1]
		page.NextCursor = EncodeCursor(last.CreatedAt, last.TransactionID)
	}
	page.Records = records
	return page, nil
}

func (s *MemoryStore) Statistics(ctx context.Context, tokenType string) (*models.LedgerStatistics, error) {
	if tokenType == "" {
		tokenType = DefaultTokenType
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &models.LedgerStatistics{TokenType: tokenType}
	var minted, burned uint64
	for _, record := range s.transactions {
		if record.Status != models.TxConfirmed || record.TokenType != tokenType {
			continue
		}
		switch record.Operation {
		case models.OpMint:
			minted += record.Amount
		case models.OpBurn:
			burned += record.Amount
		}
	}
	stats.TotalSupply = minted - burned

	for _, b := range s.balances {
		if b.TokenType != tokenType {
			continue
		}
		stats.CirculatingSupply += b.Balance
		if b.Balance > 0 {
			stats.HolderCount++
		}
	}
	return stats, nil
}

func (s *MemoryStore) HealthCheck(ctx context.Context) error {
	return nil
}
