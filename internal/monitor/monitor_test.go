package monitor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"token-service/internal/bucketing"
	"token-service/internal/config"
	"token-service/internal/models"
)

func testConfig() *config.Config {
	return &config.Config{
		Monitor: config.MonitorConfig{
			FailedTxThreshold:   3,
			FailedTxWindow:      10 * time.Minute,
			LargeTransferAmount: 1000,
			MetricsWindow:       10 * time.Minute,
		},
		Bucketing: config.BucketingConfig{UserBuckets: 64, EventBuckets: 16},
	}
}

func newTestMonitor(sinks ...Sink) *Monitor {
	cfg := testConfig()
	return NewMonitor(cfg, bucketing.NewManager(cfg), sinks...)
}

func confirmedTransfer(id, from, to string, amount uint64) *models.TransactionRecord {
	return &models.TransactionRecord{
		TransactionID: id,
		FromUser:      from,
		ToUser:        to,
		Amount:        amount,
		TokenType:     "PLAT",
		Operation:     models.OpTransfer,
		Status:        models.TxConfirmed,
		CreatedAt:     time.Now().UTC(),
	}
}

func TestMonitor_LargeTransferAlert(t *testing.T) {
	mon := newTestMonitor()
	ctx := context.Background()

	mon.RecordEvent(ctx, confirmedTransfer("tx-1", "alice", "bob", 500), string(models.TxConfirmed))
	assert.Empty(t, mon.ActiveAlerts(""))

	mon.RecordEvent(ctx, confirmedTransfer("tx-2", "alice", "bob", 5000), string(models.TxConfirmed))
	alerts := mon.ActiveAlerts("")
	require.Len(t, alerts, 1)
	assert.Equal(t, "large_transfer", alerts[0].RuleID)
	assert.Equal(t, "alice", alerts[0].UserID)
	assert.Equal(t, "tx-2", alerts[0].RelatedTransactionID)
}

func TestMonitor_FailedStreakAlert(t *testing.T) {
	mon := newTestMonitor()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		mon.RecordEvent(ctx, confirmedTransfer(fmt.Sprintf("tx-%d", i), "alice", "bob", 10), string(models.TxFailed))
	}
	assert.Empty(t, mon.ActiveAlerts(""))

	// Third failure inside the window crosses the threshold.
	mon.RecordEvent(ctx, confirmedTransfer("tx-3", "alice", "bob", 10), string(models.TxFailed))
	alerts := mon.ActiveAlerts("")
	require.Len(t, alerts, 1)
	assert.Equal(t, "failed_tx_streak", alerts[0].RuleID)
}

func TestMonitor_AlertDeduplication(t *testing.T) {
	mon := newTestMonitor()
	ctx := context.Background()

	mon.RecordEvent(ctx, confirmedTransfer("tx-1", "alice", "bob", 5000), string(models.TxConfirmed))
	mon.RecordEvent(ctx, confirmedTransfer("tx-2", "alice", "bob", 6000), string(models.TxConfirmed))
	assert.Len(t, mon.ActiveAlerts(""), 1)

	// Resolving clears the dedup slot; the next occurrence raises a new alert.
	alerts := mon.ActiveAlerts("")
	require.True(t, mon.ResolveAlert(alerts[0].AlertID))
	assert.Empty(t, mon.ActiveAlerts(""))

	mon.RecordEvent(ctx, confirmedTransfer("tx-3", "alice", "bob", 7000), string(models.TxConfirmed))
	assert.Len(t, mon.ActiveAlerts(""), 1)
}

func TestMonitor_DedupIsPerUser(t *testing.T) {
	mon := newTestMonitor()
	ctx := context.Background()

	mon.RecordEvent(ctx, confirmedTransfer("tx-1", "alice", "bob", 5000), string(models.TxConfirmed))
	mon.RecordEvent(ctx, confirmedTransfer("tx-2", "carol", "bob", 5000), string(models.TxConfirmed))
	assert.Len(t, mon.ActiveAlerts(""), 2)
}

func TestMonitor_MultipleRulesFireOnOneEvent(t *testing.T) {
	mon := newTestMonitor()
	ctx := context.Background()

	// Two prior failures, then a failed large transfer: both rules match.
	mon.RecordEvent(ctx, confirmedTransfer("tx-1", "alice", "bob", 10), string(models.TxFailed))
	mon.RecordEvent(ctx, confirmedTransfer("tx-2", "alice", "bob", 10), string(models.TxFailed))
	mon.RecordEvent(ctx, confirmedTransfer("tx-3", "alice", "bob", 9000), string(models.TxFailed))

	alerts := mon.ActiveAlerts("")
	require.Len(t, alerts, 2)
	rules := map[string]bool{}
	for _, a := range alerts {
		rules[a.RuleID] = true
	}
	assert.True(t, rules["failed_tx_streak"])
	assert.True(t, rules["large_transfer"])
}

func TestMonitor_LevelFilter(t *testing.T) {
	mon := newTestMonitor()
	ctx := context.Background()

	mon.RecordEvent(ctx, confirmedTransfer("tx-1", "alice", "bob", 5000), string(models.TxConfirmed))
	for i := 0; i < 3; i++ {
		mon.RecordEvent(ctx, confirmedTransfer(fmt.Sprintf("f-%d", i), "carol", "bob", 10), string(models.TxFailed))
	}

	assert.Len(t, mon.ActiveAlerts(models.AlertWarning), 1)
	assert.Len(t, mon.ActiveAlerts(models.AlertError), 1)
	assert.Len(t, mon.ActiveAlerts(""), 2)
}

func TestMonitor_ExpiredIntentAlert(t *testing.T) {
	mon := newTestMonitor()

	record := confirmedTransfer("tx-1", "alice", "bob", 10)
	record.Status = models.TxExpired
	mon.RecordEvent(context.Background(), record, string(models.TxExpired))

	alerts := mon.ActiveAlerts("")
	require.Len(t, alerts, 1)
	assert.Equal(t, "expired_intent", alerts[0].RuleID)
}

func TestMonitor_MetricsWindowPrunes(t *testing.T) {
	mon := newTestMonitor()
	now := time.Now()
	mon.now = func() time.Time { return now }
	ctx := context.Background()

	mon.RecordEvent(ctx, confirmedTransfer("tx-1", "alice", "bob", 100), string(models.TxConfirmed))
	mon.RecordEvent(ctx, confirmedTransfer("tx-2", "alice", "bob", 200), string(models.TxConfirmed))

	metrics := mon.UserMetrics("alice")
	assert.Equal(t, 2, metrics.ConfirmedCount)
	assert.Equal(t, uint64(300), metrics.Volume)

	// Past the window the aggregates drain.
	now = now.Add(11 * time.Minute)
	metrics = mon.UserMetrics("alice")
	assert.Equal(t, 0, metrics.ConfirmedCount)
	assert.Equal(t, uint64(0), metrics.Volume)
}

// failingSink always errors; recording must still succeed.
type failingSink struct {
	mu     sync.Mutex
	events int
	alerts int
}

func (s *failingSink) Name() string { return "failing" }

func (s *failingSink) PublishEvent(ctx context.Context, event *models.TransactionEvent) error {
	s.mu.Lock()
	s.events++
	s.mu.Unlock()
	return fmt.Errorf("sink unavailable")
}

func (s *failingSink) PublishAlert(ctx context.Context, alert *models.Alert) error {
	s.mu.Lock()
	s.alerts++
	s.mu.Unlock()
	return fmt.Errorf("sink unavailable")
}

func TestMonitor_SinkFailuresAreSwallowed(t *testing.T) {
	sink := &failingSink{}
	mon := newTestMonitor(sink)

	mon.RecordEvent(context.Background(), confirmedTransfer("tx-1", "alice", "bob", 5000), string(models.TxConfirmed))

	assert.Equal(t, 1, sink.events)
	assert.Equal(t, 1, sink.alerts)
	assert.Len(t, mon.ActiveAlerts(""), 1)
}

func TestMonitor_ResolveUnknownAlert(t *testing.T) {
	mon := newTestMonitor()
	assert.False(t, mon.ResolveAlert("no-such-alert"))
}

// capturingSink retains published events for inspection.
type capturingSink struct {
	mu     sync.Mutex
	events []*models.TransactionEvent
}

func (s *capturingSink) Name() string { return "capturing" }

func (s *capturingSink) PublishEvent(ctx context.Context, event *models.TransactionEvent) error {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	return nil
}

func (s *capturingSink) PublishAlert(ctx context.Context, alert *models.Alert) error {
	return nil
}

func TestMonitor_EventsCarryPartitionKeys(t *testing.T) {
	sink := &capturingSink{}
	mon := newTestMonitor(sink)

	mon.RecordEvent(context.Background(), confirmedTransfer("tx-1", "alice", "bob", 10), string(models.TxConfirmed))

	require.Len(t, sink.events, 1)
	event := sink.events[0]
	assert.Equal(t, time.Now().UTC().Format("2006-01-02"), event.EventDate)

	window := int64((10 * time.Minute).Seconds())
	assert.Equal(t, int64(0), event.TimeBucket%window)
	assert.LessOrEqual(t, event.TimeBucket, time.Now().Unix())
	assert.Greater(t, event.TimeBucket, time.Now().Unix()-window)
}
