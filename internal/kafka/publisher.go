package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/tapgame-core/internal/config"
	"github.com/tapgame-core/internal/domain"
)

// Publisher emits a state event per committed record. It is a replication
// mirror: consumers dedupe on (updated_at, version) carried in the summary.
type Publisher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger
}

// NewPublisher creates a publisher with a synchronous producer
func NewPublisher(cfg *config.KafkaConfig, logger *slog.Logger) (*Publisher, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Producer.RequiredAcks = sarama.WaitForLocal
	saramaConfig.Producer.Compression = sarama.CompressionSnappy
	saramaConfig.Producer.Retry.Max = cfg.RetryAttempts
	saramaConfig.Producer.Retry.Backoff = cfg.RetryDelay
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("creating producer: %w", err)
	}
	return newPublisher(producer, cfg.StateTopic, logger), nil
}

func newPublisher(producer sarama.SyncProducer, topic string, logger *slog.Logger) *Publisher {
	return &Publisher{
		producer: producer,
		topic:    topic,
		logger:   logger,
	}
}

// Name identifies the mirror in logs and stats
func (p *Publisher) Name() string { return config.MirrorKafka }

// UpsertPlayers publishes one event per record, keyed by player key so a
// player's events stay ordered within a partition.
func (p *Publisher) UpsertPlayers(ctx context.Context, records []*domain.PlayerRecord) error {
	if len(records) == 0 {
		return nil
	}

	msgs := make([]*sarama.ProducerMessage, 0, len(records))
	for _, rec := range records {
		summary := rec.Summary()
		data, err := json.Marshal(StateEvent{
			PlayerKey: summary.PlayerKey,
			Summary:   summary,
			Record:    rec,
		})
		if err != nil {
			return fmt.Errorf("marshaling state event: %w", err)
		}
		msgs = append(msgs, &sarama.ProducerMessage{
			Topic:     p.topic,
			Key:       sarama.StringEncoder(summary.PlayerKey),
			Value:     sarama.ByteEncoder(data),
			Timestamp: rec.UpdatedAt,
		})
	}

	// SendMessages has no context; abandon the wait when ctx ends.
	errCh := make(chan error, 1)
	go func() { errCh <- p.producer.SendMessages(msgs) }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("publishing state events: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes and closes the producer
func (p *Publisher) Close() error {
	start := time.Now()
	err := p.producer.Close()
	p.logger.Info("state publisher closed", "duration", time.Since(start))
	return err
}
