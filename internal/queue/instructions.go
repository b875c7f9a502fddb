package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"spacemeter/internal/billing"
	"spacemeter/internal/domain"
)

// Envelope is the wire form of a billing instruction.
type Envelope struct {
	ID          string                    `json:"id"`
	Instruction domain.BillingInstruction `json:"instruction"`
}

// SpaceKey partitions messages so one space is always handled by one consumer, in order.
func SpaceKey(provider, space string) []byte {
	return []byte(provider + "/" + space)
}

// Publisher writes billing instructions to a topic.
type Publisher struct {
	writer Writer
	newID  func() string
}

// NewPublisher builds a publisher writing to topic on brokers.
func NewPublisher(brokers []string, topic string) (*Publisher, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, errors.New("kafka brokers and topic are required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	return NewPublisherWithWriter(w), nil
}

// NewPublisherWithWriter allows injecting a test writer.
func NewPublisherWithWriter(w Writer) *Publisher {
	return &Publisher{writer: w, newID: uuid.NewString}
}

// Publish validates and enqueues an instruction, returning the envelope id.
func (p *Publisher) Publish(ctx context.Context, in domain.BillingInstruction) (string, error) {
	if err := in.Validate(); err != nil {
		return "", err
	}
	env := Envelope{ID: p.newID(), Instruction: in}
	b, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal instruction: %w", err)
	}
	msg := kafka.Message{Key: SpaceKey(in.Provider, in.Space), Value: b}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return "", fmt.Errorf("publish instruction: %w", err)
	}
	return env.ID, nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

// InstructionHandler is satisfied by *billing.Handler.
type InstructionHandler interface {
	Handle(ctx context.Context, in domain.BillingInstruction) (billing.Result, error)
}

// Instructions adapts an InstructionHandler to a message Handler.
func Instructions(h InstructionHandler) Handler {
	return func(ctx context.Context, msg kafka.Message) error {
		var env Envelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		_, err := h.Handle(ctx, env.Instruction)
		return err
	}
}

// ClassifyBilling maps billing errors to their kind. Only storage failures
// are worth redelivering.
func ClassifyBilling(err error) (string, bool) {
	kind := billing.KindOf(err)
	if kind == "" {
		return "unknown", true
	}
	return string(kind), billing.Retryable(err)
}
