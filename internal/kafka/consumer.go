package kafka

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/tapgame-core/internal/config"
	"github.com/tapgame-core/internal/domain"
)

// PatchHandler applies player patches
type PatchHandler interface {
	UpdatePlayerState(ctx context.Context, key domain.PlayerKey, patch domain.PlayerPatch) (*domain.PlayerRecord, error)
}

// Consumer consumes player patch messages from Kafka
type Consumer struct {
	config        *config.KafkaConfig
	handler       PatchHandler
	logger        *slog.Logger
	consumerGroup sarama.ConsumerGroup
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	ready         chan bool
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg *config.KafkaConfig, handler PatchHandler, logger *slog.Logger) (*Consumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaConfig.Consumer.Return.Errors = true

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Consumer{
		config:        cfg,
		handler:       handler,
		logger:        logger,
		consumerGroup: consumerGroup,
		ctx:           ctx,
		cancel:        cancel,
		ready:         make(chan bool),
	}, nil
}

// Start begins consuming messages from Kafka
func (c *Consumer) Start() error {
	c.logger.Info("starting Kafka consumer",
		"brokers", c.config.Brokers,
		"topic", c.config.IngestTopic,
		"group_id", c.config.GroupID,
	)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			handler := &consumerGroupHandler{
				consumer: c,
				ready:    c.ready,
			}

			if err := c.consumerGroup.Consume(c.ctx, []string{c.config.IngestTopic}, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.logger.Error("error from consumer", "error", err)
			}

			// Check if context was cancelled
			if c.ctx.Err() != nil {
				return
			}

			c.ready = make(chan bool)
		}
	}()

	// Wait until consumer is ready
	select {
	case <-c.ready:
		c.logger.Info("Kafka consumer ready")
	case <-c.ctx.Done():
	}

	// Handle errors in separate goroutine
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.ctx.Done():
				return
			case err, ok := <-c.consumerGroup.Errors():
				if !ok {
					return
				}
				c.logger.Error("consumer group error", "error", err)
			}
		}
	}()

	return nil
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	c.logger.Info("stopping Kafka consumer")
	c.cancel()
	c.wg.Wait()
	return c.consumerGroup.Close()
}

// applyBatch applies each patch in arrival order. Messages for the same
// player stay ordered because they share a partition. Failures are logged and
// skipped. Once the store starts draining the rest of the batch is left
// unapplied, so applied+failed can be less than len(batch).
func (c *Consumer) applyBatch(ctx context.Context, batch []PatchMessage) (applied, failed int) {
	for _, msg := range batch {
		key := msg.Key()
		err := c.apply(ctx, key, msg.Patch)
		if errors.Is(err, domain.ErrStoreDraining) {
			c.logger.Info("store draining, leaving patches for redelivery",
				"player_key", key.String(),
				"remaining", len(batch)-applied-failed,
			)
			return applied, failed
		}
		if err != nil {
			failed++
			c.logger.Error("failed to apply patch",
				"player_key", key.String(),
				"error", err,
			)
			continue
		}
		applied++
	}
	return applied, failed
}

// apply retries lock timeouts up to RetryAttempts times, RetryDelay apart.
func (c *Consumer) apply(ctx context.Context, key domain.PlayerKey, patch domain.PlayerPatch) error {
	var err error
	for attempt := 0; ; attempt++ {
		_, err = c.handler.UpdatePlayerState(ctx, key, patch)
		if err == nil || !errors.Is(err, domain.ErrLockTimeout) || attempt >= c.config.RetryAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.config.RetryDelay):
		}
	}
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler
type consumerGroupHandler struct {
	consumer *Consumer
	ready    chan bool
}

// Setup is called at the beginning of a new session
func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	close(h.ready)
	return nil
}

// Cleanup is called at the end of a session
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim processes messages from a topic partition
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	cfg := h.consumer.config
	batch := make([]PatchMessage, 0, cfg.BatchSize)
	raws := make([]*sarama.ConsumerMessage, 0, cfg.BatchSize)
	batchTimer := time.NewTimer(cfg.BatchTimeout)
	defer batchTimer.Stop()

	// processBatch reports false when the store is draining and consumption
	// should stop.
	processBatch := func() bool {
		if len(batch) == 0 {
			return true
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		applied, failed := h.consumer.applyBatch(ctx, batch)
		processed := applied + failed
		h.consumer.logger.Debug("processed batch",
			"batch_size", len(batch),
			"applied", applied,
			"failed", failed,
		)

		// Offsets are committed only for patches that reached the store.
		if processed > 0 {
			session.MarkMessage(raws[processed-1], "")
		}
		complete := processed == len(batch)
		batch = batch[:0]
		raws = raws[:0]
		return complete
	}

	for {
		select {
		case <-session.Context().Done():
			// Process remaining batch before exit
			processBatch()
			return nil

		case <-batchTimer.C:
			if !processBatch() {
				return nil
			}
			batchTimer.Reset(cfg.BatchTimeout)

		case message, ok := <-claim.Messages():
			if !ok {
				processBatch()
				return nil
			}

			msg, err := DecodePatchMessage(message.Value)
			if err != nil {
				h.consumer.logger.Warn("invalid patch message",
					"error", err,
					"offset", message.Offset,
					"partition", message.Partition,
				)
				if len(batch) == 0 {
					session.MarkMessage(message, "")
				}
				continue
			}

			batch = append(batch, msg)
			raws = append(raws, message)

			if len(batch) >= cfg.BatchSize {
				if !processBatch() {
					return nil
				}
				batchTimer.Reset(cfg.BatchTimeout)
			}
		}
	}
}
