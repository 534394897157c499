package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/hideseek-redis/internal/config"
	"github.com/hideseek-redis/internal/domain"
)

// GuessHandler processes guess submissions
type GuessHandler interface {
	SubmitGuessBatch(ctx context.Context, batch domain.BatchGuessSubmission) error
}

// Consumer consumes guess messages from Kafka
type Consumer struct {
	config        *config.KafkaConfig
	handler       GuessHandler
	logger        *slog.Logger
	consumerGroup sarama.ConsumerGroup
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg *config.KafkaConfig, handler GuessHandler, logger *slog.Logger) (*Consumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaConfig.Consumer.Return.Errors = true

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("creating consumer group: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Consumer{
		config:        cfg,
		handler:       handler,
		logger:        logger,
		consumerGroup: consumerGroup,
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// readyTimeout bounds how long Start waits for the first group session
const readyTimeout = 30 * time.Second

// Start joins the consumer group and returns once the first session is set up
func (c *Consumer) Start() error {
	c.logger.Info("starting Kafka consumer",
		"brokers", c.config.Brokers,
		"topic", c.config.Topic,
		"group_id", c.config.GroupID,
	)

	firstReady := make(chan bool)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ready := firstReady
		for {
			handler := newGroupHandler(c.config, c.handler, c.logger, ready)

			// Consume returns on every rebalance and must be called again
			if err := c.consumerGroup.Consume(c.ctx, []string{c.config.Topic}, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.logger.Error("error from consumer", "error", err)
			}
			if c.ctx.Err() != nil {
				return
			}
			ready = make(chan bool)
		}
	}()

	select {
	case <-firstReady:
		c.logger.Info("Kafka consumer ready")
	case <-time.After(readyTimeout):
		c.cancel()
		return fmt.Errorf("consumer group not ready after %s", readyTimeout)
	}

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

// groupHandler implements sarama.ConsumerGroupHandler
type groupHandler struct {
	handler      GuessHandler
	logger       *slog.Logger
	batchSize    int
	batchTimeout time.Duration
	ready        chan bool
}

func newGroupHandler(cfg *config.KafkaConfig, handler GuessHandler, logger *slog.Logger, ready chan bool) *groupHandler {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = time.Second
	}
	return &groupHandler{
		handler:      handler,
		logger:       logger,
		batchSize:    batchSize,
		batchTimeout: batchTimeout,
		ready:        ready,
	}
}

// Setup is called at the beginning of a new session
func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error {
	close(h.ready)
	return nil
}

// Cleanup is called at the end of a session
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim batches guesses from one partition and hands them to the
// ledger. Offsets are marked only after the batch holding them was handed
// off, so a crash replays at most one batch.
func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	batch := make([]domain.GuessSubmission, 0, h.batchSize)
	pending := make([]*sarama.ConsumerMessage, 0, h.batchSize)
	batchTimer := time.NewTimer(h.batchTimeout)
	defer batchTimer.Stop()

	flush := func() {
		if len(batch) > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := h.handler.SubmitGuessBatch(ctx, domain.BatchGuessSubmission{Guesses: batch})
			cancel()
			if err != nil {
				h.logger.Error("failed to process batch", "error", err, "batch_size", len(batch))
			} else {
				h.logger.Debug("processed batch", "batch_size", len(batch))
			}
		}
		for _, msg := range pending {
			session.MarkMessage(msg, "")
		}
		batch = make([]domain.GuessSubmission, 0, h.batchSize)
		pending = pending[:0]
	}

	for {
		select {
		case <-session.Context().Done():
			flush()
			return nil

		case <-batchTimer.C:
			flush()
			batchTimer.Reset(h.batchTimeout)

		case message, ok := <-claim.Messages():
			if !ok {
				flush()
				return nil
			}
			pending = append(pending, message)

			submission, err := DecodeGuess(message.Value)
			if err != nil {
				h.logger.Warn("dropping guess message",
					"error", err,
					"offset", message.Offset,
					"partition", message.Partition,
				)
				continue
			}
			batch = append(batch, submission)

			if len(batch) >= h.batchSize {
				flush()
				batchTimer.Reset(h.batchTimeout)
			}
		}
	}
}

// DecodeGuess parses and validates one guess message
func DecodeGuess(value []byte) (domain.GuessSubmission, error) {
	var submission domain.GuessSubmission
	if err := json.Unmarshal(value, &submission); err != nil {
		return submission, fmt.Errorf("unmarshaling guess: %w", err)
	}
	if err := submission.Validate(); err != nil {
		return submission, err
	}
	return submission, nil
}

// EncodeGuess is the inverse of DecodeGuess, used by producers
func EncodeGuess(submission domain.GuessSubmission) ([]byte, error) {
	return json.Marshal(submission)
}
