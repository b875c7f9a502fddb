package billing

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"spacemeter/internal/domain"
	"spacemeter/internal/usage"
)

type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

type Metrics interface {
	ObserveInstruction(duration time.Duration, outcome string)
}

// DiffLister returns every diff for a space with from <= receiptAt < to.
// Implementations must return domain.ErrIncompleteRead rather than a truncated result.
type DiffLister interface {
	ListSpaceDiffs(ctx context.Context, provider, space string, from, to time.Time) ([]domain.SpaceDiffRecord, error)
}

type SnapshotStore interface {
	GetSpaceSnapshot(ctx context.Context, provider, space string, recordedAt time.Time) (domain.SpaceSnapshotRecord, error)
	PutSpaceSnapshot(ctx context.Context, snap domain.SpaceSnapshotRecord) error
}

type UsageWriter interface {
	PutUsage(ctx context.Context, rec domain.UsageRecord) error
}

// PeriodCommitter is implemented by stores that can write the usage record
// and the closing snapshot atomically. Handler prefers it when available.
type PeriodCommitter interface {
	CommitPeriod(ctx context.Context, rec domain.UsageRecord, snap domain.SpaceSnapshotRecord) error
}

// Result is the outcome of a handled instruction.
type Result struct {
	Usage        *big.Int
	SnapshotSize int64
	Diffs        int
}

// Handler computes usage for billing instructions and advances snapshots.
// It holds no mutable state; instructions for different spaces may run in parallel.
type Handler struct {
	diffs     DiffLister
	snapshots SnapshotStore
	usage     UsageWriter
	log       Logger
	metrics   Metrics
	now       func() time.Time
}

func NewHandler(diffs DiffLister, snapshots SnapshotStore, usage UsageWriter, log Logger, metrics Metrics) *Handler {
	return &Handler{
		diffs:     diffs,
		snapshots: snapshots,
		usage:     usage,
		log:       log,
		metrics:   metrics,
		now:       time.Now,
	}
}

// Handle meters one instruction. Re-running it against an unchanged ledger
// rewrites the same usage record and snapshot.
func (h *Handler) Handle(ctx context.Context, in domain.BillingInstruction) (res Result, err error) {
	start := time.Now()
	defer func() {
		h.observe(time.Since(start), in, res, err)
	}()

	if err := in.Validate(); err != nil {
		return Result{}, newError(KindInvalidInstruction, in, err)
	}

	snap, err := h.snapshots.GetSpaceSnapshot(ctx, in.Provider, in.Space, in.From)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return Result{}, newError(KindMissingSnapshot, in, err)
		}
		return Result{}, newError(KindStorageFailure, in, fmt.Errorf("get snapshot: %w", err))
	}

	diffs, err := h.diffs.ListSpaceDiffs(ctx, in.Provider, in.Space, in.From, in.To)
	if err != nil {
		return Result{}, newError(KindStorageFailure, in, fmt.Errorf("list diffs: %w", err))
	}

	calc := usage.Integrate(snap.Size, diffs, in.From, in.To)
	if calc.Negative() {
		return Result{}, newError(KindNegativeSize, in, negativeDetail(snap.Size, calc))
	}
	if !calc.EndSize.IsInt64() {
		return Result{}, newError(KindSizeOverflow, in, fmt.Errorf("start size %d, end size %s", snap.Size, calc.EndSize))
	}
	endSize := calc.EndSize.Int64()

	now := h.now().UTC()
	rec := in.Usage(calc.Usage, now)
	next := domain.SpaceSnapshotRecord{
		Provider:   in.Provider,
		Space:      in.Space,
		Size:       endSize,
		RecordedAt: in.To,
		InsertedAt: now,
	}
	if err := h.commit(ctx, rec, next); err != nil {
		return Result{}, newError(KindStorageFailure, in, err)
	}

	return Result{Usage: calc.Usage, SnapshotSize: endSize, Diffs: calc.Applied}, nil
}

// commit writes usage before the snapshot. If the snapshot write fails the
// instruction is retried and both upserts converge.
func (h *Handler) commit(ctx context.Context, rec domain.UsageRecord, next domain.SpaceSnapshotRecord) error {
	if pc, ok := h.usage.(PeriodCommitter); ok {
		if err := pc.CommitPeriod(ctx, rec, next); err != nil {
			return fmt.Errorf("commit period: %w", err)
		}
		return nil
	}
	if err := h.usage.PutUsage(ctx, rec); err != nil {
		return fmt.Errorf("put usage: %w", err)
	}
	if err := h.snapshots.PutSpaceSnapshot(ctx, next); err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	return nil
}

func negativeDetail(start int64, calc usage.Result) error {
	if !calc.NegativeAt.IsZero() {
		return fmt.Errorf("start size %d, size below zero at %s, end size %s",
			start, calc.NegativeAt.UTC().Format(time.RFC3339Nano), calc.EndSize)
	}
	return fmt.Errorf("start size %d, end size %s", start, calc.EndSize)
}

func (h *Handler) observe(d time.Duration, in domain.BillingInstruction, res Result, err error) {
	outcome := "success"
	if err != nil {
		outcome = string(KindOf(err))
	}
	if h.metrics != nil {
		h.metrics.ObserveInstruction(d, outcome)
	}
	if h.log == nil {
		return
	}
	fields := []any{
		"customer", in.Customer,
		"provider", in.Provider,
		"space", in.Space,
		"from", in.From,
		"to", in.To,
	}
	if err != nil {
		h.log.Error("billing instruction failed", append(fields, "error_kind", outcome, "retryable", Retryable(err), "error", err.Error())...)
		return
	}
	h.log.Info("billing instruction handled", append(fields, "usage", res.Usage.String(), "snapshot_size", res.SnapshotSize, "diffs", res.Diffs)...)
}
