// Package postgres holds the durable ledger backend. Commit runs as a
// single SQL transaction with a row lock on the debited balance, which is
// what prevents double-spends across concurrent requests and instances.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"token-service/internal/client"
	"token-service/internal/errs"
	"token-service/internal/ledger"
	"token-service/internal/models"
	"token-service/internal/util"
)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS ledger_transactions (
	transaction_id      UUID PRIMARY KEY,
	from_user           TEXT NOT NULL DEFAULT '',
	to_user             TEXT NOT NULL DEFAULT '',
	amount              BIGINT NOT NULL CHECK (amount > 0),
	token_type          TEXT NOT NULL,
	operation           TEXT NOT NULL,
	status              TEXT NOT NULL,
	reason              TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMPTZ NOT NULL,
	confirmed_at        TIMESTAMPTZ,
	external_signature  TEXT NOT NULL DEFAULT '',
	fee                 BIGINT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_ledger_tx_from_user
	ON ledger_transactions (from_user, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_ledger_tx_to_user
	ON ledger_transactions (to_user, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_ledger_tx_status
	ON ledger_transactions (status, created_at);

CREATE TABLE IF NOT EXISTS token_balances (
	user_id            TEXT NOT NULL,
	token_type         TEXT NOT NULL,
	balance            BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
	last_updated       TIMESTAMPTZ NOT NULL,
	transaction_count  BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, token_type)
);
`

// LedgerStore implements ledger.Store on Postgres.
type LedgerStore struct {
	pool *pgxpool.Pool
}

func NewLedgerStore(pg *client.PostgresClient) (*LedgerStore, error) {
	s := &LedgerStore{pool: pg.Pool}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := s.pool.Exec(ctx, ledgerSchema); err != nil {
		return nil, fmt.Errorf("%w: ledger schema: %v", errs.ErrPersistence, err)
	}

	util.Info("Ledger store initialized")
	return s, nil
}

func (s *LedgerStore) Begin(ctx context.Context, fromUser, toUser string, amount uint64, tokenType string, op models.Operation, reason string) (*models.TransactionRecord, error) {
	if err := ledger.ValidateIntent(fromUser, toUser, amount, op); err != nil {
		return nil, err
	}
	if tokenType == "" {
		tokenType = ledger.DefaultTokenType
	}

	// Fast-fail on the confirmed balance before creating any record.
	if op == models.OpTransfer || op == models.OpBurn {
		balance, err := s.confirmedBalance(ctx, fromUser, tokenType)
		if err != nil {
			return nil, err
		}
		if balance < amount {
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
		CreatedAt:     time.Now().UTC(),
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO ledger_transactions
			(transaction_id, from_user, to_user, amount, token_type, operation, status, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		record.TransactionID, record.FromUser, record.ToUser, int64(record.Amount),
		record.TokenType, string(record.Operation), string(record.Status), record.Reason, record.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: insert transaction: %v", errs.ErrPersistence, err)
	}

	return record, nil
}

func (s *LedgerStore) confirmedBalance(ctx context.Context, userID, tokenType string) (uint64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx,
		`SELECT balance FROM token_balances WHERE user_id = $1 AND token_type = $2`,
		userID, tokenType).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: read balance: %v", errs.ErrPersistence, err)
	}
	return uint64(balance), nil
}

// Commit finalizes a pending record and applies balance changes in one SQL
// transaction. The record row and the debited balance row are locked FOR
// UPDATE, so a concurrent commit against the same account waits and then
// revalidates against the updated balance.
func (s *LedgerStore) Commit(ctx context.Context, transactionID, externalSignature string) (*models.TransactionRecord, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("%w: begin commit tx: %v", errs.ErrPersistence, err)
	}
	defer tx.Rollback(ctx)

	record, err := s.lockRecord(ctx, tx, transactionID)
	if err != nil {
		return nil, err
	}

	if record.Status.IsTerminal() {
		if record.Status == models.TxConfirmed {
			return record, nil
		}
		return nil, fmt.Errorf("%w: transaction is %s", errs.ErrAlreadyFinalized, record.Status)
	}

	debiting := record.Operation == models.OpTransfer || record.Operation == models.OpBurn
	if debiting {
		balance, lockErr := s.lockBalance(ctx, tx, record.FromUser, record.TokenType)
		if lockErr != nil {
			return nil, lockErr
		}
		if balance < record.Amount {
			// Finalize as failed inside the same transaction.
			if _, execErr := tx.Exec(ctx, `
				UPDATE ledger_transactions SET status = $1, reason = $2
				WHERE transaction_id = $3`,
				string(models.TxFailed), "insufficient funds at commit", transactionID); execErr != nil {
				return nil, fmt.Errorf("%w: mark failed: %v", errs.ErrPersistence, execErr)
			}
			if commitErr := tx.Commit(ctx); commitErr != nil {
				return nil, fmt.Errorf("%w: commit: %v", errs.ErrPersistence, commitErr)
			}
			return nil, fmt.Errorf("%w: user %s", errs.ErrInsufficientFunds, record.FromUser)
		}
	}

	now := time.Now().UTC()
	switch record.Operation {
	case models.OpMint:
		err = s.applyDelta(ctx, tx, record.ToUser, record.TokenType, int64(record.Amount), now)
	case models.OpTransfer:
		if err = s.applyDelta(ctx, tx, record.FromUser, record.TokenType, -int64(record.Amount), now); err == nil {
			err = s.applyDelta(ctx, tx, record.ToUser, record.TokenType, int64(record.Amount), now)
		}
	case models.OpBurn:
		err = s.applyDelta(ctx, tx, record.FromUser, record.TokenType, -int64(record.Amount), now)
	}
	if err != nil {
		return nil, err
	}

	if _, err = tx.Exec(ctx, `
		UPDATE ledger_transactions
		SET status = $1, confirmed_at = $2, external_signature = $3
		WHERE transaction_id = $4`,
		string(models.TxConfirmed), now, externalSignature, transactionID); err != nil {
		return nil, fmt.Errorf("%w: confirm transaction: %v", errs.ErrPersistence, err)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", errs.ErrPersistence, err)
	}

	record.Status = models.TxConfirmed
	record.ConfirmedAt = &now
	record.ExternalSignature = externalSignature
	return record, nil
}

func (s *LedgerStore) lockRecord(ctx context.Context, tx pgx.Tx, transactionID string) (*models.TransactionRecord, error) {
	record := &models.TransactionRecord{}
	var amount, fee int64
	var operation, status string
	err := tx.QueryRow(ctx, `
		SELECT transaction_id, from_user, to_user, amount, token_type, operation,
		       status, reason, created_at, confirmed_at, external_signature, fee
		FROM ledger_transactions
		WHERE transaction_id = $1
		FOR UPDATE`, transactionID).Scan(
		&record.TransactionID, &record.FromUser, &record.ToUser, &amount,
		&record.TokenType, &operation, &status, &record.Reason,
		&record.CreatedAt, &record.ConfirmedAt, &record.ExternalSignature, &fee)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", errs.ErrTransactionNotFound, transactionID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read transaction: %v", errs.ErrPersistence, err)
	}
	record.Amount = uint64(amount)
	record.Fee = uint64(fee)
	record.Operation = models.Operation(operation)
	record.Status = models.TxStatus(status)
	return record, nil
}

// lockBalance ensures the balance row exists, then takes a row lock on it.
func (s *LedgerStore) lockBalance(ctx context.Context, tx pgx.Tx, userID, tokenType string) (uint64, error) {
	if _, err := tx.Exec(ctx, `
		INSERT INTO token_balances (user_id, token_type, balance, last_updated)
		VALUES ($1, $2, 0, NOW())
		ON CONFLICT (user_id, token_type) DO NOTHING`, userID, tokenType); err != nil {
		return 0, fmt.Errorf("%w: ensure balance row: %v", errs.ErrPersistence, err)
	}

	var balance int64
	err := tx.QueryRow(ctx, `
		SELECT balance FROM token_balances
		WHERE user_id = $1 AND token_type = $2
		FOR UPDATE`, userID, tokenType).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("%w: lock balance row: %v", errs.ErrPersistence, err)
	}
	return uint64(balance), nil
}

func (s *LedgerStore) applyDelta(ctx context.Context, tx pgx.Tx, userID, tokenType string, delta int64, now time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO token_balances (user_id, token_type, balance, last_updated, transaction_count)
		VALUES ($1, $2, $3, $4, 1)
		ON CONFLICT (user_id, token_type) DO UPDATE
		SET balance = token_balances.balance + $3,
		    last_updated = $4,
		    transaction_count = token_balances.transaction_count + 1`,
		userID, tokenType, delta, now)
	if err != nil {
		return fmt.Errorf("%w: apply balance delta: %v", errs.ErrPersistence, err)
	}
	return nil
}

func (s *LedgerStore) Fail(ctx context.Context, transactionID, reason string) (*models.TransactionRecord, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: begin fail tx: %v", errs.ErrPersistence, err)
	}
	defer tx.Rollback(ctx)

	record, err := s.lockRecord(ctx, tx, transactionID)
	if err != nil {
		return nil, err
	}

	if record.Status.IsTerminal() {
		if record.Status == models.TxFailed {
			return record, nil
		}
		return nil, fmt.Errorf("%w: transaction is %s", errs.ErrAlreadyFinalized, record.Status)
	}

	if _, err = tx.Exec(ctx, `
		UPDATE ledger_transactions SET status = $1, reason = $2
		WHERE transaction_id = $3`,
		string(models.TxFailed), reason, transactionID); err != nil {
		return nil, fmt.Errorf("%w: mark failed: %v", errs.ErrPersistence, err)
	}
	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", errs.ErrPersistence, err)
	}

	record.Status = models.TxFailed
	record.Reason = reason
	return record, nil
}

func (s *LedgerStore) ExpireStale(ctx context.Context, maxAge time.Duration) ([]*models.TransactionRecord, error) {
	cutoff := time.Now().UTC().Add(-maxAge)

	rows, err := s.pool.Query(ctx, `
		UPDATE ledger_transactions
		SET status = $1
		WHERE status = $2 AND created_at < $3
		RETURNING transaction_id, from_user, to_user, amount, token_type,
		          operation, status, reason, created_at, confirmed_at,
		          external_signature, fee`,
		string(models.TxExpired), string(models.TxPending), cutoff)
	if err != nil {
		return nil, fmt.Errorf("%w: expire stale: %v", errs.ErrPersistence, err)
	}
	defer rows.Close()

	expired, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(expired) > 0 {
		util.Info("Expired stale transactions", util.Int("count", len(expired)))
	}
	return expired, nil
}

func (s *LedgerStore) Get(ctx context.Context, transactionID string) (*models.TransactionRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT transaction_id, from_user, to_user, amount, token_type,
		       operation, status, reason, created_at, confirmed_at,
		       external_signature, fee
		FROM ledger_transactions
		WHERE transaction_id = $1`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("%w: read transaction: %v", errs.ErrPersistence, err)
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s", errs.ErrTransactionNotFound, transactionID)
	}
	return records[0], nil
}

func (s *LedgerStore) GetBalance(ctx context.Context, userID, tokenType string) (*models.TokenBalance, error) {
	if tokenType == "" {
		tokenType = ledger.DefaultTokenType
	}

	balance := &models.TokenBalance{UserID: userID, TokenType: tokenType}
	var raw int64
	err := s.pool.QueryRow(ctx, `
		SELECT balance, last_updated, transaction_count
		FROM token_balances
		WHERE user_id = $1 AND token_type = $2`,
		userID, tokenType).Scan(&raw, &balance.LastUpdated, &balance.TransactionCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return balance, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read balance: %v", errs.ErrPersistence, err)
	}
	balance.Balance = uint64(raw)
	return balance, nil
}

func (s *LedgerStore) GetTransactions(ctx context.Context, userID string, limit int, cursor string) (*models.TransactionPage, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	cursorTime, cursorID, err := ledger.DecodeCursor(cursor)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT transaction_id, from_user, to_user, amount, token_type,
		       operation, status, reason, created_at, confirmed_at,
		       external_signature, fee
		FROM ledger_transactions
		WHERE (from_user = $1 OR to_user = $1)`
	args := []interface{}{userID}
	if cursorID != "" {
		query += ` AND (created_at, transaction_id) < ($2, $3)`
		args = append(args, cursorTime, cursorID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, transaction_id DESC LIMIT %d`, limit+1)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list transactions: %v", errs.ErrPersistence, err)
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}

	page := &models.TransactionPage{}
	if len(records) > limit {
		records = records[:limit]
		last := records[len(records)-1]
		page.NextCursor = ledger.EncodeCursor(last.CreatedAt, last.TransactionID)
	}
	page.Records = records
	return page, nil
}

func (s *LedgerStore) Statistics(ctx context.Context, tokenType string) (*models.LedgerStatistics, error) {
	if tokenType == "" {
		tokenType = ledger.DefaultTokenType
	}
	stats := &models.LedgerStatistics{TokenType: tokenType}

	var minted, burned int64
	err := s.pool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE operation = 'mint'), 0),
			COALESCE(SUM(amount) FILTER (WHERE operation = 'burn'), 0)
		FROM ledger_transactions
		WHERE status = 'confirmed' AND token_type = $1`, tokenType).Scan(&minted, &burned)
	if err != nil {
		return nil, fmt.Errorf("%w: supply query: %v", errs.ErrPersistence, err)
	}
	stats.TotalSupply = uint64(minted - burned)

	var circulating int64
	err = s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(balance), 0), COUNT(*) FILTER (WHERE balance > 0)
		FROM token_balances
		WHERE token_type = $1`, tokenType).Scan(&circulating, &stats.HolderCount)
	if err != nil {
		return nil, fmt.Errorf("%w: balance query: %v", errs.ErrPersistence, err)
	}
	stats.CirculatingSupply = uint64(circulating)

	return stats, nil
}

func (s *LedgerStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanRecords(rows pgx.Rows) ([]*models.TransactionRecord, error) {
	var records []*models.TransactionRecord
	for rows.Next() {
		record := &models.TransactionRecord{}
		var amount, fee int64
		var operation, status string
		if err := rows.Scan(
			&record.TransactionID, &record.FromUser, &record.ToUser, &amount,
			&record.TokenType, &operation, &status, &record.Reason,
			&record.CreatedAt, &record.ConfirmedAt, &record.ExternalSignature,
			&fee); err != nil {
			return nil, fmt.Errorf("%w: scan transaction: %v", errs.ErrPersistence, err)
		}
		record.Amount = uint64(amount)
		record.Fee = uint64(fee)
		record.Operation = models.Operation(operation)
		record.Status = models.TxStatus(status)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate transactions: %v", errs.ErrPersistence, err)
	}
	return records, nil
}
