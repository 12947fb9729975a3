package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"token-service/internal/bucketing"
	"token-service/internal/client"
	"token-service/internal/config"
	"token-service/internal/errs"
	"token-service/internal/keyvault"
	"token-service/internal/ledger"
	"token-service/internal/models"
	"token-service/internal/monitor"
	"token-service/internal/ratelimit"
)

func serviceTestConfig() *config.Config {
	return &config.Config{
		Crypto: config.CryptoConfig{KDFIterations: 100_000, SignWorkers: 2},
		RateLimit: config.RateLimitConfig{
			Backend: "memory",
			Rules: []config.RuleConfig{
				{RuleID: RuleSign, MaxRequests: 100, TimeWindow: time.Minute, Enabled: true},
				{RuleID: RuleMint, MaxRequests: 3, TimeWindow: time.Minute, Cooldown: time.Minute, Enabled: true},
				{RuleID: RuleTransfer, MaxRequests: 100, TimeWindow: time.Minute, Enabled: true},
				{RuleID: RuleBurn, MaxRequests: 100, TimeWindow: time.Minute, Enabled: true},
			},
		},
		Monitor: config.MonitorConfig{
			FailedTxThreshold:   5,
			FailedTxWindow:      10 * time.Minute,
			LargeTransferAmount: 1_000_000,
			MetricsWindow:       10 * time.Minute,
		},
		Bucketing: config.BucketingConfig{UserBuckets: 64, EventBuckets: 16},
	}
}

func newTestService(t *testing.T, broadcaster Broadcaster) *TokenService {
	t.Helper()
	cfg := serviceTestConfig()

	kmsClient, err := client.NewKMSClient(cfg)
	require.NoError(t, err)
	vault := keyvault.NewVault(cfg, keyvault.NewMemoryRepository(), kmsClient)
	limiter := ratelimit.NewMemoryLimiter(ratelimit.NewRegistry(&cfg.RateLimit))
	store := ledger.NewMemoryStore()
	mon := monitor.NewMonitor(cfg, bucketing.NewManager(cfg))

	return NewTokenService(vault, limiter, store, mon, broadcaster)
}

func TestTokenService_MintTransferBurn(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	minted, err := svc.Mint(ctx, &MintRequest{UserID: "alice", Amount: 1000, Reason: "signup bonus"})
	require.NoError(t, err)
	assert.Equal(t, models.TxConfirmed, minted.Status)
	assert.Equal(t, "signup bonus", minted.Reason)

	transferred, err := svc.Transfer(ctx, &TransferRequest{FromUser: "alice", ToUser: "bob", Amount: 400})
	require.NoError(t, err)
	assert.Equal(t, models.TxConfirmed, transferred.Status)

	_, err = svc.Burn(ctx, &BurnRequest{UserID: "bob", Amount: 150, Reason: "redeemed"})
	require.NoError(t, err)

	alice, err := svc.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(600), alice.Balance)

	bob, err := svc.GetBalance(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, uint64(250), bob.Balance)

	stats, err := svc.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(850), stats.TotalSupply)
	assert.Equal(t, uint64(850), stats.CirculatingSupply)
	assert.Equal(t, 2, stats.HolderCount)
}

func TestTokenService_InsufficientFunds(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.Mint(ctx, &MintRequest{UserID: "alice", Amount: 100})
	require.NoError(t, err)

	_, err = svc.Transfer(ctx, &TransferRequest{FromUser: "alice", ToUser: "bob", Amount: 500})
	assert.ErrorIs(t, err, errs.ErrInsufficientFunds)

	balance, err := svc.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), balance.Balance)
}

func TestTokenService_RateLimitDeniesAndFailedOpsDoNotConsumeQuota(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	// mint_ops allows 3 per minute.
	for i := 0; i < 3; i++ {
		_, err := svc.Mint(ctx, &MintRequest{UserID: "alice", Amount: 10})
		require.NoError(t, err)
	}

	_, err := svc.Mint(ctx, &MintRequest{UserID: "alice", Amount: 10})
	require.Error(t, err)
	assert.True(t, errs.IsRateLimited(err))

	// A different user is unaffected.
	_, err = svc.Mint(ctx, &MintRequest{UserID: "bob", Amount: 10})
	assert.NoError(t, err)
}

func TestTokenService_InvalidAmountReleasesQuota(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	// Three failed attempts, then three successes: failures must not have
	// consumed the 3-per-minute mint budget.
	for i := 0; i < 3; i++ {
		_, err := svc.Mint(ctx, &MintRequest{UserID: "alice", Amount: 0})
		assert.ErrorIs(t, err, errs.ErrInvalidAmount)
	}
	for i := 0; i < 3; i++ {
		_, err := svc.Mint(ctx, &MintRequest{UserID: "alice", Amount: 10})
		require.NoError(t, err)
	}
}

func TestTokenService_SignRoundTrip(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	wallet, err := svc.CreateWallet(ctx, "alice", "pw")
	require.NoError(t, err)
	assert.NotEmpty(t, wallet.PublicKey)

	signature, err := svc.Sign(ctx, "alice", "pw", []byte("payload"))
	require.NoError(t, err)
	assert.NotEmpty(t, signature)

	_, err = svc.Sign(ctx, "alice", "wrong", []byte("payload"))
	assert.ErrorIs(t, err, errs.ErrAuthentication)
}

func TestTokenService_RotatePasswordEndToEnd(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.CreateWallet(ctx, "alice", "first")
	require.NoError(t, err)

	require.NoError(t, svc.RotatePassword(ctx, "alice", "first", "second"))

	_, err = svc.Sign(ctx, "alice", "first", []byte("payload"))
	assert.ErrorIs(t, err, errs.ErrAuthentication)
	_, err = svc.Sign(ctx, "alice", "second", []byte("payload"))
	assert.NoError(t, err)
}

// fakeBroadcaster scripts the external network client.
type fakeBroadcaster struct {
	status    string
	err       error
	submitted [][]byte
}

func (b *fakeBroadcaster) Submit(ctx context.Context, signedTx []byte) (string, string, error) {
	b.submitted = append(b.submitted, signedTx)
	if b.err != nil {
		return "", "", b.err
	}
	return fmt.Sprintf("sig-%d", len(b.submitted)), b.status, nil
}

func (b *fakeBroadcaster) GetStatus(ctx context.Context, signature string) (string, error) {
	return b.status, nil
}

func TestTokenService_BroadcastSignatureRecorded(t *testing.T) {
	broadcaster := &fakeBroadcaster{status: "confirmed"}
	svc := newTestService(t, broadcaster)
	ctx := context.Background()

	record, err := svc.Mint(ctx, &MintRequest{UserID: "alice", Amount: 100})
	require.NoError(t, err)
	assert.Equal(t, "sig-1", record.ExternalSignature)
	assert.Len(t, broadcaster.submitted, 1)
}

func TestTokenService_BroadcastFailureMarksFailed(t *testing.T) {
	broadcaster := &fakeBroadcaster{err: fmt.Errorf("network unreachable")}
	svc := newTestService(t, broadcaster)
	ctx := context.Background()

	record, err := svc.Mint(ctx, &MintRequest{UserID: "alice", Amount: 100})
	require.Error(t, err)
	assert.Nil(t, record)

	// No balance credited and no confirmed supply.
	balance, err := svc.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), balance.Balance)

	stats, err := svc.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), stats.TotalSupply)
}

func TestTokenService_AlertsSurfaceThroughService(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.Mint(ctx, &MintRequest{UserID: "alice", Amount: 5_000_000})
	require.NoError(t, err)
	_, err = svc.Transfer(ctx, &TransferRequest{FromUser: "alice", ToUser: "bob", Amount: 2_000_000})
	require.NoError(t, err)

	alerts := svc.ActiveAlerts("")
	require.Len(t, alerts, 1)
	assert.Equal(t, "large_transfer", alerts[0].RuleID)

	assert.True(t, svc.ResolveAlert(alerts[0].AlertID))
	assert.Empty(t, svc.ActiveAlerts(""))
}
