package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spacemeter/internal/domain"
	"spacemeter/internal/ledger/memory"
	"spacemeter/internal/queue"
)

var at = time.Date(2026, 9, 3, 12, 0, 0, 0, time.UTC)

type failingWriter struct{ err error }

func (f failingWriter) PutSpaceDiff(context.Context, domain.SpaceDiffRecord) error { return f.err }

type outcomes map[string]int

func (o outcomes) ObserveDiffs(outcome string, n int) { o[outcome] += n }

func listAll(t *testing.T, s *memory.Store) []domain.SpaceDiffRecord {
	t.Helper()
	diffs, err := s.ListSpaceDiffs(context.Background(), "did:web:p", "did:key:s", at.Add(-time.Hour), at.Add(time.Hour))
	require.NoError(t, err)
	return diffs
}

func TestHandlerStoresSingleAndBatchPayloads(t *testing.T) {
	store := memory.New()
	metrics := outcomes{}
	handle := NewEngine(store, nil, metrics).Handler()

	single := `{"provider":"did:web:p","space":"did:key:s","cause":"bafyA","change":100,"receiptAt":"2026-09-03T12:00:00Z"}`
	batch := `[
		{"provider":"did:web:p","space":"did:key:s","cause":"bafyB","change":-40,"receiptAt":"2026-09-03T12:00:01Z"},
		{"provider":"did:web:p","space":"did:key:s","cause":"bafyC","change":7,"receiptAt":"2026-09-03T12:00:02Z"}
	]`
	require.NoError(t, handle(context.Background(), kafka.Message{Value: []byte(single)}))
	require.NoError(t, handle(context.Background(), kafka.Message{Value: []byte(batch)}))

	diffs := listAll(t, store)
	require.Len(t, diffs, 3)
	assert.Equal(t, int64(-40), diffs[1].Change)
	assert.Equal(t, 3, metrics["stored"])
}

func TestRedeliveryIsAbsorbed(t *testing.T) {
	store := memory.New()
	e := NewEngine(store, nil, nil)
	d := domain.SpaceDiffRecord{Provider: "did:web:p", Space: "did:key:s", Cause: "bafyA", Change: 5, ReceiptAt: at}

	require.NoError(t, e.Ingest(context.Background(), d))
	require.NoError(t, e.Ingest(context.Background(), d))
	assert.Len(t, listAll(t, store), 1)
}

func TestBatchIsValidatedBeforeAnyWrite(t *testing.T) {
	store := memory.New()
	metrics := outcomes{}
	e := NewEngine(store, nil, metrics)

	err := e.Ingest(context.Background(),
		domain.SpaceDiffRecord{Provider: "did:web:p", Space: "did:key:s", Cause: "bafyA", Change: 5, ReceiptAt: at},
		domain.SpaceDiffRecord{Provider: "did:web:p", Space: "did:key:s", Change: 5, ReceiptAt: at},
	)
	require.ErrorIs(t, err, ErrInvalidDiff)
	assert.Empty(t, listAll(t, store))
	assert.Equal(t, 2, metrics["invalid"])

	kind, retry := Classify(err)
	assert.Equal(t, KindInvalidDiff, kind)
	assert.False(t, retry)
}

func TestStoreFailuresAreRetryable(t *testing.T) {
	boom := errors.New("connection refused")
	e := NewEngine(failingWriter{err: boom}, nil, nil)

	err := e.Ingest(context.Background(), domain.SpaceDiffRecord{Provider: "p", Space: "s", Cause: "c", ReceiptAt: at})
	require.ErrorIs(t, err, boom)
	kind, retry := Classify(err)
	assert.Equal(t, KindStorageFailure, kind)
	assert.True(t, retry)
}

func TestHandlerMarksGarbageMalformed(t *testing.T) {
	handle := NewEngine(memory.New(), nil, nil).Handler()
	for _, raw := range []string{"", "   ", "{not json", `[{"change":"big"}]`} {
		err := handle(context.Background(), kafka.Message{Value: []byte(raw)})
		assert.ErrorIs(t, err, queue.ErrMalformed, "payload %q", raw)
	}
}

func TestStampReceipt(t *testing.T) {
	now := func() time.Time { return at }
	d := StampReceipt(domain.SpaceDiffRecord{}, now)
	assert.Equal(t, at, d.ReceiptAt)

	earlier := at.Add(-time.Minute)
	d = StampReceipt(domain.SpaceDiffRecord{ReceiptAt: earlier}, now)
	assert.Equal(t, earlier, d.ReceiptAt)
}
