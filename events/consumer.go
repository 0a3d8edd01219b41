package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	DefaultActivityTopic = "activity.completed"
	DefaultActivityGroup = "wallet-referrals"

	handlerAttempts = 3
	handlerBackoff  = 500 * time.Millisecond
)

// ActivityCompleted is the payload of an "activity completed" message.
type ActivityCompleted struct {
	UserID      string    `json:"user_id"`
	ActivityID  string    `json:"activity_id"`
	CompletedAt time.Time `json:"completed_at"`
}

// DecodeActivityCompleted parses and checks one message value.
func DecodeActivityCompleted(value []byte) (ActivityCompleted, error) {
	var msg ActivityCompleted
	if err := json.Unmarshal(value, &msg); err != nil {
		return ActivityCompleted{}, fmt.Errorf("decode activity message: %w", err)
	}
	if msg.UserID == "" {
		return ActivityCompleted{}, errors.New("activity message: user_id is required")
	}
	if msg.ActivityID == "" {
		return ActivityCompleted{}, errors.New("activity message: activity_id is required")
	}
	return msg, nil
}

// ActivityHandler processes one decoded message.
type ActivityHandler func(ctx context.Context, msg ActivityCompleted) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ActivityConsumer feeds Kafka "activity completed" messages to a handler.
//
// An offset is committed only after its message was handled, or after the
// handler kept failing and the message was given up on. Given-up messages
// are left to the reconciliation job.
type ActivityConsumer struct {
	reader  messageReader
	handler ActivityHandler
	logger  *zap.Logger
	backoff time.Duration
}

func NewActivityConsumer(brokers []string, topic, group string, handler ActivityHandler, logger *zap.Logger) *ActivityConsumer {
	if topic == "" {
		topic = DefaultActivityTopic
	}
	if group == "" {
		group = DefaultActivityGroup
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  group,
		MinBytes: 1,
		MaxBytes: 1 << 20,
	})
	return newActivityConsumer(reader, handler, logger)
}

func newActivityConsumer(reader messageReader, handler ActivityHandler, logger *zap.Logger) *ActivityConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ActivityConsumer{
		reader:  reader,
		handler: handler,
		logger:  logger.Named("activity-consumer"),
		backoff: handlerBackoff,
	}
}

// Run consumes until ctx is cancelled or the reader fails for good.
func (c *ActivityConsumer) Run(ctx context.Context) error {
	c.logger.Info("consumer started")
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				c.logger.Info("consumer stopped")
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		c.handle(ctx, m)
		if ctx.Err() != nil {
			// Not committed; redelivered after restart.
			return nil
		}

		if err := c.reader.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("commit failed", zap.Int64("offset", m.Offset), zap.Error(err))
		}
	}
}

func (c *ActivityConsumer) handle(ctx context.Context, m kafka.Message) {
	msg, err := DecodeActivityCompleted(m.Value)
	if err != nil {
		c.logger.Warn("dropping malformed message",
			zap.Int("partition", m.Partition),
			zap.Int64("offset", m.Offset),
			zap.Error(err))
		return
	}

	for attempt := 1; attempt <= handlerAttempts; attempt++ {
		err = c.handler(ctx, msg)
		if err == nil {
			return
		}
		c.logger.Warn("activity handler failed",
			zap.String("user_id", msg.UserID),
			zap.String("activity_id", msg.ActivityID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt == handlerAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.backoff * time.Duration(attempt)):
		}
	}
	c.logger.Error("giving up on activity message",
		zap.String("user_id", msg.UserID),
		zap.String("activity_id", msg.ActivityID),
		zap.Error(err))
}

func (c *ActivityConsumer) Close() error {
	return c.reader.Close()
}
