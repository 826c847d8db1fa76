// Package events publishes governance events to the event bus.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Event types
const (
	TypeTrustScoreDrop      = "TRUST_SCORE_DROP"
	TypeKillSwitchTriggered = "KILL_SWITCH_TRIGGERED"
	TypeSafetyAudit         = "SAFETY_AUDIT"
)

// Severities
const (
	SeverityInfo     = "INFO"
	SeverityWarning  = "WARNING"
	SeverityCritical = "CRITICAL"
)

// Event is one governance signal
type Event struct {
	Type     string                 `json:"type"`
	TenantID string                 `json:"tenant_id"`
	UserID   string                 `json:"user_id,omitempty"`
	TraceID  string                 `json:"trace_id,omitempty"`
	Severity string                 `json:"severity"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
	At       time.Time              `json:"at"`
}

// Publisher sends events to the bus
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig holds the writer settings
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// KafkaPublisher writes events to a Kafka topic keyed by tenant
type KafkaPublisher struct {
	writer kafkaWriter
	logger *zap.Logger
}

// NewKafkaPublisher creates a publisher for cfg
func NewKafkaPublisher(cfg KafkaConfig, logger *zap.Logger) (*KafkaPublisher, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaPublisher{writer: w, logger: logger}, nil
}

// Publish implements Publisher
func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	if p == nil || p.writer == nil {
		return fmt.Errorf("kafka publisher not initialized")
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.TenantID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(event.Type)},
		},
	})
	if err != nil {
		p.logger.Warn("failed to publish event", zap.String("type", event.Type), zap.Error(err))
		return fmt.Errorf("failed to publish %s: %w", event.Type, err)
	}
	return nil
}

// Close implements Publisher
func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// NopPublisher drops every event; used when no brokers are configured
type NopPublisher struct{}

// Publish implements Publisher
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Close implements Publisher
func (NopPublisher) Close() error { return nil }
