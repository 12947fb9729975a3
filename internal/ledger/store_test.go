package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"token-service/internal/errs"
	"token-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mintConfirmed(t *testing.T, s *MemoryStore, user string, amount uint64) *models.TransactionRecord {
	t.Helper()
	ctx := context.Background()
	record, err := s.Begin(ctx, "", user, amount, DefaultTokenType, models.OpMint, "")
	require.NoError(t, err)
	confirmed, err := s.Commit(ctx, record.TransactionID, "")
	require.NoError(t, err)
	return confirmed
}

func TestBegin_RejectsZeroAmount(t *testing.T) {
	s := NewMemoryStore()

	_, err := s.Begin(context.Background(), "alice", "bob", 0, DefaultTokenType, models.OpTransfer, "")
	assert.True(t, errors.Is(err, errs.ErrInvalidAmount))
}

func TestBegin_InsufficientFundsCreatesNoRecord(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	mintConfirmed(t, s, "alice", 100)

	_, err := s.Begin(ctx, "alice", "bob", 700, DefaultTokenType, models.OpTransfer, "")
	require.True(t, errors.Is(err, errs.ErrInsufficientFunds))

	page, err := s.GetTransactions(ctx, "bob", 10, "")
	require.NoError(t, err)
	assert.Empty(t, page.Records)
}

func TestMintTransferScenario(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	mintConfirmed(t, s, "alice", 1000)
	balance, err := s.GetBalance(ctx, "alice", DefaultTokenType)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), balance.Balance)

	record, err := s.Begin(ctx, "alice", "bob", 400, DefaultTokenType, models.OpTransfer, "")
	require.NoError(t, err)
	_, err = s.Commit(ctx, record.TransactionID, "")
	require.NoError(t, err)

	balance, err = s.GetBalance(ctx, "alice", DefaultTokenType)
	require.NoError(t, err)
	assert.Equal(t, uint64(600), balance.Balance)
	balance, err = s.GetBalance(ctx, "bob", DefaultTokenType)
	require.NoError(t, err)
	assert.Equal(t, uint64(400), balance.Balance)

	// Over-spending is denied and balances stay put.
	_, err = s.Begin(ctx, "alice", "carol", 700, DefaultTokenType, models.OpTransfer, "")
	require.True(t, errors.Is(err, errs.ErrInsufficientFunds))

	balance, err = s.GetBalance(ctx, "alice", DefaultTokenType)
	require.NoError(t, err)
	assert.Equal(t, uint64(600), balance.Balance)
}

func TestCommit_Idempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	record, err := s.Begin(ctx, "", "alice", 50, DefaultTokenType, models.OpMint, "")
	require.NoError(t, err)

	first, err := s.Commit(ctx, record.TransactionID, "sig-1")
	require.NoError(t, err)
	second, err := s.Commit(ctx, record.TransactionID, "sig-2")
	require.NoError(t, err)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.ConfirmedAt, second.ConfirmedAt)
	assert.Equal(t, "sig-1", second.ExternalSignature)

	// The balance change applied exactly once.
	balance, err := s.GetBalance(ctx, "alice", DefaultTokenType)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), balance.Balance)
}

func TestCommit_FailedRecordRejected(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	record, err := s.Begin(ctx, "", "alice", 50, DefaultTokenType, models.OpMint, "")
	require.NoError(t, err)
	_, err = s.Fail(ctx, record.TransactionID, "broadcast rejected")
	require.NoError(t, err)

	_, err = s.Commit(ctx, record.TransactionID, "")
	assert.True(t, errors.Is(err, errs.ErrAlreadyFinalized))
}

func TestFail_ConfirmedRecordRejected(t *testing.T) {
	s := NewMemoryStore()
	confirmed := mintConfirmed(t, s, "alice", 50)

	_, err := s.Fail(context.Background(), confirmed.TransactionID, "too late")
	assert.True(t, errors.Is(err, errs.ErrAlreadyFinalized))
}

func TestCommit_UnknownTransaction(t *testing.T) {
	s := NewMemoryStore()

	_, err := s.Commit(context.Background(), "no-such-id", "")
	assert.True(t, errors.Is(err, errs.ErrTransactionNotFound))
}

func TestBurn_ReducesSupply(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	mintConfirmed(t, s, "alice", 1000)

	record, err := s.Begin(ctx, "alice", "", 300, DefaultTokenType, models.OpBurn, "")
	require.NoError(t, err)
	_, err = s.Commit(ctx, record.TransactionID, "")
	require.NoError(t, err)

	stats, err := s.Statistics(ctx, DefaultTokenType)
	require.NoError(t, err)
	assert.Equal(t, uint64(700), stats.TotalSupply)
	assert.Equal(t, uint64(700), stats.CirculatingSupply)
	assert.Equal(t, 1, stats.HolderCount)
}

func TestConservation_SupplyMatchesBalances(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	mintConfirmed(t, s, "alice", 1000)
	mintConfirmed(t, s, "bob", 250)

	record, err := s.Begin(ctx, "alice", "bob", 400, DefaultTokenType, models.OpTransfer, "")
	require.NoError(t, err)
	_, err = s.Commit(ctx, record.TransactionID, "")
	require.NoError(t, err)

	record, err = s.Begin(ctx, "bob", "", 150, DefaultTokenType, models.OpBurn, "")
	require.NoError(t, err)
	_, err = s.Commit(ctx, record.TransactionID, "")
	require.NoError(t, err)

	stats, err := s.Statistics(ctx, DefaultTokenType)
	require.NoError(t, err)
	assert.Equal(t, stats.TotalSupply, stats.CirculatingSupply,
		"sum of balances must equal mints minus burns")
	assert.Equal(t, uint64(1100), stats.TotalSupply)
}

func TestConcurrentTransfers_NoDoubleSpend(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	mintConfirmed(t, s, "alice", 100)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, insufficient := 0, 0

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			record, err := s.Begin(ctx, "alice", "bob", 20, DefaultTokenType, models.OpTransfer, "")
			if err == nil {
				_, err = s.Commit(ctx, record.TransactionID, "")
			}

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, errs.ErrInsufficientFunds):
				insufficient++
			default:
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, succeeded)
	assert.Equal(t, 5, insufficient)

	balance, err := s.GetBalance(ctx, "alice", DefaultTokenType)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), balance.Balance)
	balance, err = s.GetBalance(ctx, "bob", DefaultTokenType)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), balance.Balance)
}

func TestExpireStale_OnlyOldPending(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	stale, err := s.Begin(ctx, "", "alice", 10, DefaultTokenType, models.OpMint, "")
	require.NoError(t, err)

	s.now = func() time.Time { return base.Add(6 * time.Minute) }
	fresh, err := s.Begin(ctx, "", "alice", 10, DefaultTokenType, models.OpMint, "")
	require.NoError(t, err)

	expired, err := s.ExpireStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, stale.TransactionID, expired[0].TransactionID)

	record, err := s.Get(ctx, fresh.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.TxPending, record.Status)

	// Expired is terminal.
	_, err = s.Commit(ctx, stale.TransactionID, "")
	assert.True(t, errors.Is(err, errs.ErrAlreadyFinalized))
}

func TestGetTransactions_NewestFirstPaged(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	var ids []string
	for i := 0; i < 5; i++ {
		tick := base.Add(time.Duration(i) * time.Second)
		s.now = func() time.Time { return tick }
		record, err := s.Begin(ctx, "", "alice", 10, DefaultTokenType, models.OpMint, "")
		require.NoError(t, err)
		_, err = s.Commit(ctx, record.TransactionID, "")
		require.NoError(t, err)
		ids = append(ids, record.TransactionID)
	}

	page, err := s.GetTransactions(ctx, "alice", 3, "")
	require.NoError(t, err)
	require.Len(t, page.Records, 3)
	assert.Equal(t, ids[4], page.Records[0].TransactionID)
	assert.Equal(t, ids[2], page.Records[2].TransactionID)
	require.NotEmpty(t, page.NextCursor)

	page, err = s.GetTransactions(ctx, "alice", 3, page.NextCursor)
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	assert.Equal(t, ids[1], page.Records[0].TransactionID)
	assert.Equal(t, ids[0], page.Records[1].TransactionID)
}
