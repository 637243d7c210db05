package repository

import (
	"context"
	"fmt"

	"PolyPulse/internal/domain/models"
	domrepo "PolyPulse/internal/domain/repository"
	pkgkafka "PolyPulse/pkg/kafka"
	applogger "PolyPulse/pkg/logger"
)

// producer is the part of pkg/kafka.Producer the publisher uses.
type producer interface {
	Publish(ctx context.Context, topic string, key []byte, value interface{}) error
	PublishBatch(ctx context.Context, topic string, messages []pkgkafka.Message) error
	Close() error
}

// Topics names the destinations for each event kind.
type Topics struct {
	Decisions   string
	Settlements string
}

// KafkaEventPublisher ships cycle decisions and settled predictions to Kafka,
// keyed by market slug so a market's events stay on one partition.
type KafkaEventPublisher struct {
	p      producer
	topics Topics
}

// NewKafkaEventPublisher wraps a producer.
func NewKafkaEventPublisher(p producer, topics Topics) *KafkaEventPublisher {
	return &KafkaEventPublisher{p: p, topics: topics}
}

var (
	_ domrepo.EventPublisher = (*KafkaEventPublisher)(nil)
	_ applogger.Publisher    = (*KafkaEventPublisher)(nil)
)

func (k *KafkaEventPublisher) PublishDecision(ctx context.Context, snap *models.CycleSnapshot) error {
	if snap == nil {
		return nil
	}
	slug := snap.Decision.MarketSlug
	if slug == "" && snap.Market != nil {
		slug = snap.Market.Slug
	}
	msg := pkgkafka.Message{
		Key:   []byte(slug),
		Value: snap,
		Headers: map[string]string{
			"type":   "decision",
			"action": string(snap.Decision.Action),
			"phase":  string(snap.Decision.Phase),
		},
	}
	if err := k.p.PublishBatch(ctx, k.topics.Decisions, []pkgkafka.Message{msg}); err != nil {
		return fmt.Errorf("publish decision %d: %w", snap.Seq, err)
	}
	return nil
}

func (k *KafkaEventPublisher) PublishSettlements(ctx context.Context, records []models.PredictionRecord) error {
	if len(records) == 0 {
		return nil
	}
	msgs := make([]pkgkafka.Message, 0, len(records))
	for _, r := range records {
		msgs = append(msgs, pkgkafka.Message{
			Key:   []byte(r.MarketSlug),
			Value: r,
			Headers: map[string]string{
				"type":    "settlement",
				"outcome": string(r.Outcome),
			},
		})
	}
	if err := k.p.PublishBatch(ctx, k.topics.Settlements, msgs); err != nil {
		return fmt.Errorf("publish %d settlements: %w", len(records), err)
	}
	return nil
}

// PublishMessage sends an arbitrary JSON payload; the log collector uses it
// for aggregated warn/error digests.
func (k *KafkaEventPublisher) PublishMessage(ctx context.Context, topic string, payload interface{}) error {
	return k.p.Publish(ctx, topic, nil, payload)
}

func (k *KafkaEventPublisher) Close() error {
	return k.p.Close()
}
