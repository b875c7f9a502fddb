// Package memory provides an in-process ledger used for local runs and tests.
// All data is lost when the process exits.
package memory

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"spacemeter/internal/domain"
)

type spaceKey struct {
	provider string
	space    string
}

type diffKey struct {
	receiptAt int64
	cause     string
}

type usageKey struct {
	provider string
	space    string
	from     int64
}

// Store implements the diff, snapshot and usage stores. It is safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	diffs     map[spaceKey]map[diffKey]domain.SpaceDiffRecord
	snapshots map[spaceKey]map[int64]domain.SpaceSnapshotRecord
	usage     map[string]map[usageKey]domain.UsageRecord
}

func New() *Store {
	return &Store{
		diffs:     make(map[spaceKey]map[diffKey]domain.SpaceDiffRecord),
		snapshots: make(map[spaceKey]map[int64]domain.SpaceSnapshotRecord),
		usage:     make(map[string]map[usageKey]domain.UsageRecord),
	}
}

// PutSpaceDiff appends a diff. A diff with the same receipt time and cause is
// the same event delivered twice and is ignored.
func (s *Store) PutSpaceDiff(_ context.Context, d domain.SpaceDiffRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sk := spaceKey{d.Provider, d.Space}
	byKey := s.diffs[sk]
	if byKey == nil {
		byKey = make(map[diffKey]domain.SpaceDiffRecord)
		s.diffs[sk] = byKey
	}
	dk := diffKey{d.ReceiptAt.UnixNano(), d.Cause}
	if _, ok := byKey[dk]; ok {
		return nil
	}
	byKey[dk] = d
	return nil
}

func (s *Store) ListSpaceDiffs(_ context.Context, provider, space string, from, to time.Time) ([]domain.SpaceDiffRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.SpaceDiffRecord
	for _, d := range s.diffs[spaceKey{provider, space}] {
		if d.ReceiptAt.Before(from) || !d.ReceiptAt.Before(to) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReceiptAt.Equal(out[j].ReceiptAt) {
			return out[i].ReceiptAt.Before(out[j].ReceiptAt)
		}
		return out[i].Cause < out[j].Cause
	})
	return out, nil
}

func (s *Store) GetSpaceSnapshot(_ context.Context, provider, space string, recordedAt time.Time) (domain.SpaceSnapshotRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[spaceKey{provider, space}][recordedAt.UnixNano()]
	if !ok {
		return domain.SpaceSnapshotRecord{}, domain.ErrNotFound
	}
	return snap, nil
}

func (s *Store) PutSpaceSnapshot(_ context.Context, snap domain.SpaceSnapshotRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sk := spaceKey{snap.Provider, snap.Space}
	byTime := s.snapshots[sk]
	if byTime == nil {
		byTime = make(map[int64]domain.SpaceSnapshotRecord)
		s.snapshots[sk] = byTime
	}
	byTime[snap.RecordedAt.UnixNano()] = snap
	return nil
}

func (s *Store) PutUsage(_ context.Context, rec domain.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byKey := s.usage[rec.Customer]
	if byKey == nil {
		byKey = make(map[usageKey]domain.UsageRecord)
		s.usage[rec.Customer] = byKey
	}
	rec.Usage = copyInt(rec.Usage)
	byKey[usageKey{rec.Provider, rec.Space, rec.From.UnixNano()}] = rec
	return nil
}

// ListUsage returns the customer's usage records with From >= from, ordered
// by (From, Provider, Space).
func (s *Store) ListUsage(_ context.Context, customer string, from time.Time) ([]domain.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.UsageRecord
	for _, rec := range s.usage[customer] {
		if rec.From.Before(from) {
			continue
		}
		rec.Usage = copyInt(rec.Usage)
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.From.Equal(b.From) {
			return a.From.Before(b.From)
		}
		if a.Provider != b.Provider {
			return a.Provider < b.Provider
		}
		return a.Space < b.Space
	})
	return out, nil
}

func (s *Store) Ping(context.Context) error { return nil }

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
