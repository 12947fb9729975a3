package monitor

import (
	"context"
	"time"

	"token-service/internal/config"
	"token-service/internal/ledger"
	"token-service/internal/models"
	"token-service/internal/util"
)

// Sweeper periodically expires stale pending transactions and feeds the
// resulting transitions back through the monitor. It runs off the request
// path on its own goroutine.
type Sweeper struct {
	store    ledger.Store
	monitor  *Monitor
	interval time.Duration
	maxAge   time.Duration
}

func NewSweeper(cfg *config.Config, store ledger.Store, mon *Monitor) *Sweeper {
	return &Sweeper{
		store:    store,
		monitor:  mon,
		interval: cfg.Ledger.SweepInterval,
		maxAge:   cfg.Ledger.PendingTimeout,
	}
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	util.Info("Ledger sweeper started",
		util.Duration("interval", s.interval),
		util.Duration("pending_timeout", s.maxAge))

	for {
		select {
		case <-ctx.Done():
			util.Info("Ledger sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	expired, err := s.store.ExpireStale(ctx, s.maxAge)
	if err != nil {
		util.Error("Stale transaction sweep failed", util.ErrorField(err))
		return
	}
	for _, record := range expired {
		s.monitor.RecordEvent(ctx, record, string(models.TxExpired))
	}
}
