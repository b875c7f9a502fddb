// Package queue moves billing instructions and diff events over Kafka.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// ErrMalformed marks a message that can never be processed as delivered.
var ErrMalformed = errors.New("malformed message")

// KindMalformed is the error_kind header value for undecodable messages.
const KindMalformed = "malformed"

type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

type Metrics interface {
	ObserveDeadLetter(topic, kind string)
	ObserveRetry(topic string)
}

// Reader is the subset of kafka.Reader the consumer needs.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Writer is the subset of kafka.Writer the publishers need.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Handler processes one message. A nil error commits the message.
type Handler func(ctx context.Context, msg kafka.Message) error

// Classifier names a handler error and decides whether redelivery can fix it.
type Classifier func(err error) (kind string, retryable bool)

// ConsumerConfig captures consumer group settings.
type ConsumerConfig struct {
	Brokers         []string
	Topic           string
	GroupID         string
	DeadLetterTopic string
	MinBackoff      time.Duration
	MaxBackoff      time.Duration
	HandleTimeout   time.Duration
}

// Consumer reads a topic in a consumer group. A message is committed only
// after it was handled or dead-lettered, so a partition never skips ahead of
// an unfinished message.
type Consumer struct {
	reader     Reader
	deadLetter Writer
	handle     Handler
	classify   Classifier
	log        Logger
	metrics    Metrics
	topic      string
	minBackoff time.Duration
	maxBackoff time.Duration
	timeout    time.Duration
	sleep      func(context.Context, time.Duration) error
}

// NewConsumer dials the consumer group and the dead-letter topic.
func NewConsumer(cfg ConsumerConfig, handle Handler, classify Classifier, log Logger, metrics Metrics) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if cfg.Topic == "" || cfg.GroupID == "" {
		return nil, errors.New("kafka topic and group id are required")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	var dlq Writer
	if cfg.DeadLetterTopic != "" {
		dlq = &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.DeadLetterTopic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		}
	}
	return newConsumer(reader, dlq, cfg, handle, classify, log, metrics), nil
}

func newConsumer(reader Reader, dlq Writer, cfg ConsumerConfig, handle Handler, classify Classifier, log Logger, metrics Metrics) *Consumer {
	minBackoff := cfg.MinBackoff
	if minBackoff <= 0 {
		minBackoff = 200 * time.Millisecond
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff < minBackoff {
		maxBackoff = 30 * time.Second
	}
	timeout := cfg.HandleTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Consumer{
		reader:     reader,
		deadLetter: dlq,
		handle:     handle,
		classify:   classify,
		log:        log,
		metrics:    metrics,
		topic:      cfg.Topic,
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
		timeout:    timeout,
		sleep:      sleepCtx,
	}
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("consumer started", "topic", c.topic)
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error("fetch message failed", "topic", c.topic, "error", err.Error())
			if err := c.sleep(ctx, time.Second); err != nil {
				return nil
			}
			continue
		}
		if err := c.process(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// process handles msg until it succeeds, is dead-lettered, or ctx ends.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) error {
	backoff := c.minBackoff
	for attempt := 1; ; attempt++ {
		hctx, cancel := context.WithTimeout(ctx, c.timeout)
		err := c.handle(hctx, msg)
		cancel()
		if err == nil {
			return c.commit(ctx, msg)
		}

		kind, retryable := c.classifyErr(err)
		if !retryable {
			if err := c.toDeadLetter(ctx, msg, kind, err); err != nil {
				return err
			}
			return c.commit(ctx, msg)
		}

		c.log.Error("message handling failed, retrying",
			"topic", c.topic, "partition", msg.Partition, "offset", msg.Offset,
			"attempt", attempt, "backoff", backoff.String(), "error_kind", kind, "error", err.Error())
		if c.metrics != nil {
			c.metrics.ObserveRetry(c.topic)
		}
		if err := c.sleep(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
		if backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
	}
}

func (c *Consumer) classifyErr(err error) (string, bool) {
	if errors.Is(err, ErrMalformed) {
		return KindMalformed, false
	}
	if c.classify == nil {
		return "unknown", true
	}
	return c.classify(err)
}

func (c *Consumer) toDeadLetter(ctx context.Context, msg kafka.Message, kind string, cause error) error {
	c.log.Error("message dead-lettered",
		"topic", c.topic, "partition", msg.Partition, "offset", msg.Offset,
		"error_kind", kind, "error", cause.Error())
	if c.metrics != nil {
		c.metrics.ObserveDeadLetter(c.topic, kind)
	}
	if c.deadLetter == nil {
		return nil
	}
	headers := append([]kafka.Header{}, msg.Headers...)
	headers = append(headers,
		kafka.Header{Key: "error_kind", Value: []byte(kind)},
		kafka.Header{Key: "error", Value: []byte(cause.Error())},
		kafka.Header{Key: "source_topic", Value: []byte(c.topic)},
	)
	out := kafka.Message{Key: msg.Key, Value: msg.Value, Headers: headers}
	if err := c.deadLetter.WriteMessages(ctx, out); err != nil {
		return fmt.Errorf("write dead letter: %w", err)
	}
	return nil
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) error {
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		return fmt.Errorf("commit offset %d: %w", msg.Offset, err)
	}
	return nil
}

// Close releases the reader and the dead-letter writer.
func (c *Consumer) Close() error {
	err := c.reader.Close()
	if c.deadLetter != nil {
		if dErr := c.deadLetter.Close(); err == nil {
			err = dErr
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
