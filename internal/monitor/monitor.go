// Package monitor observes transaction outcomes and raises alerts. It sits
// off the critical path: recording an event can never fail an operation, so
// every internal error here is swallowed and logged.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"token-service/internal/bucketing"
	"token-service/internal/config"
	"token-service/internal/models"
	"token-service/internal/util"
)

// MetricsSnapshot is the rolling per-user aggregate handed to rules.
type MetricsSnapshot struct {
	ConfirmedCount int
	FailedCount    int
	Volume         uint64
}

type userWindow struct {
	events []windowEvent
}

type windowEvent struct {
	at      time.Time
	outcome string
	amount  uint64
}

type Monitor struct {
	cfg     config.MonitorConfig
	buckets *bucketing.Manager
	rules   []Rule
	sinks   []Sink

	mu      sync.Mutex
	alerts  map[string]*models.Alert
	dedup   map[string]string
	windows map[string]*userWindow

	now func() time.Time
}

func NewMonitor(cfg *config.Config, buckets *bucketing.Manager, sinks ...Sink) *Monitor {
	return &Monitor{
		cfg:     cfg.Monitor,
		buckets: buckets,
		rules:   defaultRules(cfg.Monitor),
		sinks:   sinks,
		alerts:  make(map[string]*models.Alert),
		dedup:   make(map[string]string),
		windows: make(map[string]*userWindow),
		now:     time.Now,
	}
}

// RecordEvent ingests one terminal transaction outcome: publish to sinks,
// fold into the rolling metrics, evaluate every rule. No error return; the
// caller's operation already succeeded or failed on its own terms.
func (m *Monitor) RecordEvent(ctx context.Context, record *models.TransactionRecord, outcome string) {
	if record == nil {
		return
	}

	event := &models.TransactionEvent{
		EventBucket: m.buckets.EventBucket(record.TransactionID),
		EventDate:   m.buckets.DateBucket(),
		TimeBucket:  m.buckets.TimeBucket(int(m.cfg.MetricsWindow.Seconds())),
		Record:      record,
		Outcome:     outcome,
		ObservedAt:  m.now().UTC(),
	}

	for _, sink := range m.sinks {
		if err := sink.PublishEvent(ctx, event); err != nil {
			util.Warn("Monitor sink rejected event",
				util.String("sink", sink.Name()),
				util.String("transaction_id", record.TransactionID),
				util.ErrorField(err))
		}
	}

	userID := eventSubject(event)
	metrics := m.fold(userID, event)

	for _, rule := range m.rules {
		alert := rule.Evaluate(event, metrics)
		if alert == nil {
			continue
		}
		alert.RelatedTransactionID = record.TransactionID
		m.raise(ctx, alert)
	}
}

// fold updates the user's rolling window and returns a snapshot including
// this event.
func (m *Monitor) fold(userID string, event *models.TransactionEvent) *MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	window, ok := m.windows[userID]
	if !ok {
		window = &userWindow{}
		m.windows[userID] = window
	}

	cutoff := m.now().Add(-m.cfg.MetricsWindow)
	kept := window.events[:0]
	for _, e := range window.events {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}
	window.events = append(kept, windowEvent{
		at:      event.ObservedAt,
		outcome: event.Outcome,
		amount:  event.Record.Amount,
	})

	snapshot := &MetricsSnapshot{}
	for _, e := range window.events {
		switch e.outcome {
		case string(models.TxConfirmed):
			snapshot.ConfirmedCount++
			snapshot.Volume += e.amount
		case string(models.TxFailed):
			snapshot.FailedCount++
		}
	}
	return snapshot
}

// raise registers an alert unless an unresolved one already exists for the
// same (rule, user) pair.
func (m *Monitor) raise(ctx context.Context, alert *models.Alert) {
	m.mu.Lock()
	key := alert.RuleID + "|" + alert.UserID
	if existingID, ok := m.dedup[key]; ok {
		if existing, live := m.alerts[existingID]; live && !existing.Resolved {
			m.mu.Unlock()
			return
		}
	}

	alert.AlertID = uuid.New().String()
	alert.CreatedAt = m.now().UTC()
	m.alerts[alert.AlertID] = alert
	m.dedup[key] = alert.AlertID
	m.mu.Unlock()

	util.Warn("Alert raised",
		util.String("alert_id", alert.AlertID),
		util.String("rule_id", alert.RuleID),
		util.String("level", string(alert.Level)),
		util.String("user_id", alert.UserID))

	for _, sink := range m.sinks {
		if err := sink.PublishAlert(ctx, alert); err != nil {
			util.Warn("Monitor sink rejected alert",
				util.String("sink", sink.Name()),
				util.String("alert_id", alert.AlertID),
				util.ErrorField(err))
		}
	}
}

// ActiveAlerts returns unresolved alerts, optionally filtered by level.
func (m *Monitor) ActiveAlerts(level models.AlertLevel) []*models.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Alert
	for _, alert := range m.alerts {
		if alert.Resolved {
			continue
		}
		if level != "" && alert.Level != level {
			continue
		}
		copied := *alert
		out = append(out, &copied)
	}
	return out
}

func (m *Monitor) ResolveAlert(alertID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	alert, ok := m.alerts[alertID]
	if !ok || alert.Resolved {
		return false
	}
	now := m.now().UTC()
	alert.Resolved = true
	alert.ResolvedAt = &now
	return true
}

// UserMetrics exposes the current rolling aggregate for one user without
// recording anything.
func (m *Monitor) UserMetrics(userID string) *MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := &MetricsSnapshot{}
	window, ok := m.windows[userID]
	if !ok {
		return snapshot
	}
	cutoff := m.now().Add(-m.cfg.MetricsWindow)
	for _, e := range window.events {
		if !e.at.After(cutoff) {
			continue
		}
		switch e.outcome {
		case string(models.TxConfirmed):
			snapshot.ConfirmedCount++
			snapshot.Volume += e.amount
		case string(models.TxFailed):
			snapshot.FailedCount++
		}
	}
	return snapshot
}
