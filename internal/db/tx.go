package db

import (
	"context"
	"database/sql"
	"fmt"

	"spacemeter/internal/domain"
)

type txStarter interface {
	BeginTx(context.Context, *sql.TxOptions) (*sql.Tx, error)
}

// BeginTx starts a transaction and returns a Queries instance bound to it.
func (q *Queries) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Queries, *sql.Tx, error) {
	starter, ok := q.db.(txStarter)
	if !ok {
		return nil, nil, fmt.Errorf("db does not support transactions")
	}
	tx, err := starter.BeginTx(ctx, opts)
	if err != nil {
		return nil, nil, err
	}
	return q.WithTx(tx), tx, nil
}

// CommitPeriod writes a usage record and the closing snapshot of its period
// in one transaction.
func (q *Queries) CommitPeriod(ctx context.Context, u domain.UsageRecord, s domain.SpaceSnapshotRecord) error {
	qtx, tx, err := q.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin period commit: %w", err)
	}
	defer tx.Rollback()

	if err := qtx.PutUsage(ctx, u); err != nil {
		return err
	}
	if err := qtx.PutSpaceSnapshot(ctx, s); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit period: %w", err)
	}
	return nil
}
