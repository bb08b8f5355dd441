package messaging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"settlement/contexts/network-rewards/epoch-settlement-service/ports"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/sethvargo/go-retry"
)

const (
	MessageIDHeader = "message_id"

	defaultHandlerDelay    = 200 * time.Millisecond
	defaultHandlerMaxDelay = 30 * time.Second
	fetchErrorPause        = time.Second
)

// Kafka is the broker adapter shared by the api and worker processes.
// Writers are created lazily per topic; every subscription owns one reader.
type Kafka struct {
	brokers []string
	logger  *slog.Logger

	HandlerDelay    time.Duration
	HandlerMaxDelay time.Duration

	mu      sync.Mutex
	writers map[string]*kafka.Writer
	readers []*kafka.Reader
	closed  bool
}

func NewKafka(brokers []string, logger *slog.Logger) (*Kafka, error) {
	cleaned := make([]string, 0, len(brokers))
	for _, broker := range brokers {
		if broker = strings.TrimSpace(broker); broker != "" {
			cleaned = append(cleaned, broker)
		}
	}
	if len(cleaned) == 0 {
		return nil, errors.New("at least one kafka broker is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Kafka{
		brokers:         cleaned,
		logger:          logger,
		HandlerDelay:    defaultHandlerDelay,
		HandlerMaxDelay: defaultHandlerMaxDelay,
		writers:         make(map[string]*kafka.Writer),
	}, nil
}

func (k *Kafka) Send(ctx context.Context, topic string, key string, payload []byte) error {
	writer, err := k.writer(topic)
	if err != nil {
		return err
	}
	message := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: MessageIDHeader, Value: []byte(uuid.NewString())},
		},
	}
	if err := writer.WriteMessages(ctx, message); err != nil {
		return fmt.Errorf("write to %s: %w", topic, err)
	}
	return nil
}

// Subscribe starts a consumer-group reader for topic and returns immediately.
// A message offset is committed only once the handler returned nil for it; handlers
// acknowledge messages they want dropped by returning nil.
func (k *Kafka) Subscribe(
	ctx context.Context,
	topic string,
	consumerGroup string,
	handler func(context.Context, ports.Message) error,
) error {
	if handler == nil {
		return errors.New("handler is required")
	}
	if strings.TrimSpace(topic) == "" || strings.TrimSpace(consumerGroup) == "" {
		return errors.New("topic and consumer group are required")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  k.brokers,
		GroupID:  consumerGroup,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})

	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		_ = reader.Close()
		return errors.New("kafka broker is closed")
	}
	k.readers = append(k.readers, reader)
	k.mu.Unlock()

	k.logger.Info("kafka subscription started",
		"event", "kafka_subscription_started",
		"module", "internal/platform/messaging",
		"layer", "platform",
		"topic", topic,
		"consumer_group", consumerGroup,
	)

	go k.consume(ctx, reader, topic, consumerGroup, handler)
	return nil
}

func (k *Kafka) consume(
	ctx context.Context,
	reader *kafka.Reader,
	topic string,
	consumerGroup string,
	handler func(context.Context, ports.Message) error,
) {
	defer k.logger.Info("kafka subscription stopped",
		"event", "kafka_subscription_stopped",
		"module", "internal/platform/messaging",
		"layer", "platform",
		"topic", topic,
		"consumer_group", consumerGroup,
	)

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, kafka.ErrGroupClosed) {
				return
			}
			k.logger.Error("kafka fetch failed",
				"event", "kafka_fetch_failed",
				"module", "internal/platform/messaging",
				"layer", "platform",
				"topic", topic,
				"error", err.Error(),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(fetchErrorPause):
			}
			continue
		}

		message := ports.Message{Topic: msg.Topic, Key: string(msg.Key), Value: msg.Value}
		if err := k.deliver(ctx, handler, message, msg.Partition, msg.Offset); err != nil {
			// Only cancellation ends delivery; the uncommitted offset is redelivered to the group.
			return
		}
		if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			k.logger.Warn("kafka commit failed",
				"event", "kafka_commit_failed",
				"module", "internal/platform/messaging",
				"layer", "platform",
				"topic", topic,
				"offset", msg.Offset,
				"error", err.Error(),
			)
		}
	}
}

// deliver runs handler with capped exponential backoff until it succeeds or ctx is cancelled.
// Messages are never skipped, so a failing store stalls the partition instead of losing responses.
func (k *Kafka) deliver(
	ctx context.Context,
	handler func(context.Context, ports.Message) error,
	message ports.Message,
	partition int,
	offset int64,
) error {
	delay := k.HandlerDelay
	if delay <= 0 {
		delay = defaultHandlerDelay
	}
	maxDelay := k.HandlerMaxDelay
	if maxDelay < delay {
		maxDelay = delay
	}
	backoff := retry.WithCappedDuration(maxDelay, retry.NewExponential(delay))

	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := handler(ctx, message)
		if err == nil {
			return nil
		}
		k.logger.Error("kafka handler failed, redelivering",
			"event", "kafka_handler_failed",
			"module", "internal/platform/messaging",
			"layer", "platform",
			"topic", message.Topic,
			"partition", partition,
			"offset", offset,
			"attempt", attempt,
			"error", err.Error(),
		)
		return retry.RetryableError(err)
	})
}

func (k *Kafka) writer(topic string) (*kafka.Writer, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil, errors.New("kafka broker is closed")
	}
	if writer, ok := k.writers[topic]; ok {
		return writer, nil
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(k.brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
	k.writers[topic] = writer
	return writer, nil
}

func (k *Kafka) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil
	}
	k.closed = true

	var errs []error
	for topic, writer := range k.writers {
		if err := writer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close writer %s: %w", topic, err))
		}
	}
	for _, reader := range k.readers {
		if err := reader.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ ports.MessageSender     = (*Kafka)(nil)
	_ ports.MessageSubscriber = (*Kafka)(nil)
)
