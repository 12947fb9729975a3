package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"token-service/internal/client"
	"token-service/internal/config"
	"token-service/internal/models"
	"token-service/internal/util"
)

// Sink receives events and alerts for external delivery. Sink errors never
// propagate past the monitor.
type Sink interface {
	Name() string
	PublishEvent(ctx context.Context, event *models.TransactionEvent) error
	PublishAlert(ctx context.Context, alert *models.Alert) error
}

// KafkaSink streams events and alerts to their respective topics.
type KafkaSink struct {
	producer   *client.KafkaProducer
	eventTopic string
	alertTopic string
}

func NewKafkaSink(cfg *config.Config, producer *client.KafkaProducer) *KafkaSink {
	return &KafkaSink{
		producer:   producer,
		eventTopic: cfg.Kafka.EventTopic,
		alertTopic: cfg.Kafka.AlertTopic,
	}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) PublishEvent(ctx context.Context, event *models.TransactionEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return s.producer.Produce(ctx, s.eventTopic,
		[]byte(event.Record.TransactionID), value,
		map[string]string{"outcome": event.Outcome})
}

func (s *KafkaSink) PublishAlert(ctx context.Context, alert *models.Alert) error {
	value, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	return s.producer.Produce(ctx, s.alertTopic,
		[]byte(alert.AlertID), value,
		map[string]string{"level": string(alert.Level)})
}

const eventArchiveSchema = `
CREATE TABLE IF NOT EXISTS transaction_events (
	event_bucket    Int32,
	event_date      Date,
	time_bucket     Int64,
	transaction_id  String,
	from_user       String,
	to_user         String,
	amount          UInt64,
	token_type      String,
	operation       String,
	outcome         String,
	observed_at     DateTime64(3, 'UTC')
) ENGINE = MergeTree()
PARTITION BY event_date
ORDER BY (event_bucket, time_bucket, observed_at)`

// ClickHouseSink archives every event for offline analysis. Alerts are not
// archived here; they go to the search index.
type ClickHouseSink struct {
	ch *client.ClickHouseClient
}

func NewClickHouseSink(ch *client.ClickHouseClient) (*ClickHouseSink, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := ch.Exec(ctx, eventArchiveSchema); err != nil {
		return nil, fmt.Errorf("failed to create event archive table: %w", err)
	}
	util.Info("ClickHouse event archive initialized")
	return &ClickHouseSink{ch: ch}, nil
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) PublishEvent(ctx context.Context, event *models.TransactionEvent) error {
	return s.ch.Exec(ctx, `
		INSERT INTO transaction_events
			(event_bucket, event_date, time_bucket, transaction_id, from_user,
			 to_user, amount, token_type, operation, outcome, observed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int32(event.EventBucket), event.EventDate, event.TimeBucket,
		event.Record.TransactionID, event.Record.FromUser, event.Record.ToUser,
		event.Record.Amount, event.Record.TokenType,
		string(event.Record.Operation), event.Outcome, event.ObservedAt)
}

func (s *ClickHouseSink) PublishAlert(ctx context.Context, alert *models.Alert) error {
	return nil
}

// ESSink indexes alerts for search and dashboards. Events are not indexed;
// ClickHouse owns the raw event stream.
type ESSink struct {
	es    *client.ESClient
	index string
}

func NewESSink(cfg *config.Config, es *client.ESClient) *ESSink {
	return &ESSink{es: es, index: cfg.Elasticsearch.AlertIndex}
}

func (s *ESSink) Name() string { return "elasticsearch" }

func (s *ESSink) PublishEvent(ctx context.Context, event *models.TransactionEvent) error {
	return nil
}

func (s *ESSink) PublishAlert(ctx context.Context, alert *models.Alert) error {
	res, err := s.es.IndexDocument(ctx, s.index, alert.AlertID, alert)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("elasticsearch index error: %s", res.Status())
	}
	return nil
}
