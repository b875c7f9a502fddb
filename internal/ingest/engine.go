// Package ingest appends space diff events to the diff store.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"spacemeter/internal/domain"
	"spacemeter/internal/queue"
)

// ErrInvalidDiff marks an event that fails validation. Redelivery cannot fix it.
var ErrInvalidDiff = errors.New("invalid space diff")

const (
	KindInvalidDiff    = "invalid_diff"
	KindStorageFailure = "storage_failure"
)

type DiffWriter interface {
	PutSpaceDiff(ctx context.Context, d domain.SpaceDiffRecord) error
}

type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

type Metrics interface {
	ObserveDiffs(outcome string, n int)
}

type Engine struct {
	store   DiffWriter
	log     Logger
	metrics Metrics
}

func NewEngine(store DiffWriter, log Logger, metrics Metrics) *Engine {
	return &Engine{store: store, log: log, metrics: metrics}
}

// Ingest validates every diff before writing any of them. Writes are
// idempotent per (provider, space, receiptAt, cause), so a partially written
// batch is safe to redeliver.
func (e *Engine) Ingest(ctx context.Context, diffs ...domain.SpaceDiffRecord) error {
	for i, d := range diffs {
		if err := d.Validate(); err != nil {
			e.observe("invalid", len(diffs))
			return fmt.Errorf("%w: event %d: %v", ErrInvalidDiff, i, err)
		}
	}
	for _, d := range diffs {
		d.ReceiptAt = d.ReceiptAt.UTC()
		if err := e.store.PutSpaceDiff(ctx, d); err != nil {
			e.observe("error", len(diffs))
			return fmt.Errorf("put diff provider=%s space=%s cause=%s: %w", d.Provider, d.Space, d.Cause, err)
		}
	}
	e.observe("stored", len(diffs))
	if e.log != nil && len(diffs) > 0 {
		e.log.Info("ingested space diffs", "count", len(diffs), "provider", diffs[0].Provider, "space", diffs[0].Space)
	}
	return nil
}

func (e *Engine) observe(outcome string, n int) {
	if e.metrics != nil {
		e.metrics.ObserveDiffs(outcome, n)
	}
}

// Decode accepts a single diff object or an array of them.
func Decode(raw []byte) ([]domain.SpaceDiffRecord, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, errors.New("empty payload")
	}
	if trimmed[0] == '[' {
		var diffs []domain.SpaceDiffRecord
		if err := json.Unmarshal(trimmed, &diffs); err != nil {
			return nil, err
		}
		return diffs, nil
	}
	var d domain.SpaceDiffRecord
	if err := json.Unmarshal(trimmed, &d); err != nil {
		return nil, err
	}
	return []domain.SpaceDiffRecord{d}, nil
}

// Handler adapts the engine to a Kafka consumer.
func (e *Engine) Handler() queue.Handler {
	return func(ctx context.Context, msg kafka.Message) error {
		diffs, err := Decode(msg.Value)
		if err != nil {
			return fmt.Errorf("%w: %v", queue.ErrMalformed, err)
		}
		return e.Ingest(ctx, diffs...)
	}
}

// Classify treats validation failures as permanent and everything else as a storage failure.
func Classify(err error) (string, bool) {
	if errors.Is(err, ErrInvalidDiff) {
		return KindInvalidDiff, false
	}
	return KindStorageFailure, true
}

// StampReceipt sets the receipt time of a diff that arrived without one.
func StampReceipt(d domain.SpaceDiffRecord, now func() time.Time) domain.SpaceDiffRecord {
	if d.ReceiptAt.IsZero() {
		d.ReceiptAt = now().UTC()
	}
	return d
}
