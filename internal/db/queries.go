package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"spacemeter/internal/domain"
)

// DBTX is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// Queries implements the diff, snapshot and usage stores on Postgres.
type Queries struct {
	db DBTX
}

func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

const putSpaceDiff = `INSERT INTO space_diffs (provider, space, customer, subscription, cause, change, receipt_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (provider, space, receipt_at, cause) DO NOTHING`

// PutSpaceDiff appends a diff. Redelivery of the same (receipt_at, cause) is a no-op.
func (q *Queries) PutSpaceDiff(ctx context.Context, d domain.SpaceDiffRecord) error {
	_, err := q.db.ExecContext(ctx, putSpaceDiff,
		d.Provider, d.Space, d.Customer, d.Subscription, d.Cause, d.Change, d.ReceiptAt.UTC())
	if err != nil {
		return fmt.Errorf("insert space diff: %w", err)
	}
	return nil
}

const listSpaceDiffs = `SELECT provider, space, customer, subscription, cause, change, receipt_at, inserted_at
FROM space_diffs
WHERE provider = $1 AND space = $2 AND receipt_at >= $3 AND receipt_at < $4
ORDER BY receipt_at, cause`

func (q *Queries) ListSpaceDiffs(ctx context.Context, provider, space string, from, to time.Time) ([]domain.SpaceDiffRecord, error) {
	rows, err := q.db.QueryContext(ctx, listSpaceDiffs, provider, space, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("list space diffs: %w", err)
	}
	defer rows.Close()
	var items []domain.SpaceDiffRecord
	for rows.Next() {
		var d domain.SpaceDiffRecord
		if err := rows.Scan(&d.Provider, &d.Space, &d.Customer, &d.Subscription, &d.Cause, &d.Change, &d.ReceiptAt, &d.InsertedAt); err != nil {
			return nil, fmt.Errorf("scan space diff: %w", err)
		}
		items = append(items, d)
	}
	if err := rows.Err(); err != nil {
		// A cursor that dies mid-scan leaves a partial list; never integrate over it.
		return nil, fmt.Errorf("%w: %v", domain.ErrIncompleteRead, err)
	}
	return items, nil
}

const getSpaceSnapshot = `SELECT provider, space, size, recorded_at, inserted_at
FROM space_snapshots
WHERE provider = $1 AND space = $2 AND recorded_at = $3`

func (q *Queries) GetSpaceSnapshot(ctx context.Context, provider, space string, recordedAt time.Time) (domain.SpaceSnapshotRecord, error) {
	var s domain.SpaceSnapshotRecord
	err := q.db.QueryRowContext(ctx, getSpaceSnapshot, provider, space, recordedAt.UTC()).
		Scan(&s.Provider, &s.Space, &s.Size, &s.RecordedAt, &s.InsertedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SpaceSnapshotRecord{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.SpaceSnapshotRecord{}, fmt.Errorf("get space snapshot: %w", err)
	}
	return s, nil
}

const putSpaceSnapshot = `INSERT INTO space_snapshots (provider, space, size, recorded_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (provider, space, recorded_at) DO UPDATE
SET size = EXCLUDED.size, inserted_at = NOW()`

func (q *Queries) PutSpaceSnapshot(ctx context.Context, s domain.SpaceSnapshotRecord) error {
	_, err := q.db.ExecContext(ctx, putSpaceSnapshot, s.Provider, s.Space, s.Size, s.RecordedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert space snapshot: %w", err)
	}
	return nil
}

const putUsage = `INSERT INTO usage_records (customer, account, product, provider, space, usage, period_from, period_to)
VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8)
ON CONFLICT (customer, provider, space, period_from) DO UPDATE
SET account = EXCLUDED.account,
    product = EXCLUDED.product,
    usage = EXCLUDED.usage,
    period_to = EXCLUDED.period_to,
    inserted_at = NOW()`

func (q *Queries) PutUsage(ctx context.Context, u domain.UsageRecord) error {
	if u.Usage == nil {
		return errors.New("usage is required")
	}
	_, err := q.db.ExecContext(ctx, putUsage,
		u.Customer, u.Account, u.Product, u.Provider, u.Space, u.Usage.String(), u.From.UTC(), u.To.UTC())
	if err != nil {
		return fmt.Errorf("upsert usage: %w", err)
	}
	return nil
}

const listUsage = `SELECT customer, account, product, provider, space, usage::text, period_from, period_to, inserted_at
FROM usage_records
WHERE customer = $1 AND period_from >= $2
ORDER BY period_from, provider, space`

func (q *Queries) ListUsage(ctx context.Context, customer string, from time.Time) ([]domain.UsageRecord, error) {
	rows, err := q.db.QueryContext(ctx, listUsage, customer, from.UTC())
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	defer rows.Close()
	var items []domain.UsageRecord
	for rows.Next() {
		var (
			u     domain.UsageRecord
			total string
		)
		if err := rows.Scan(&u.Customer, &u.Account, &u.Product, &u.Provider, &u.Space, &total, &u.From, &u.To, &u.InsertedAt); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		v, ok := new(big.Int).SetString(total, 10)
		if !ok {
			return nil, fmt.Errorf("parse usage %q", total)
		}
		u.Usage = v
		items = append(items, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read usage: %w", err)
	}
	return items, nil
}
