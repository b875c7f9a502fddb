package usage

import (
	"math/big"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spacemeter/internal/domain"
)

const (
	gib = int64(1) << 30
	tib = int64(1) << 40
)

var (
	periodFrom = time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	periodTo   = time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
)

func diff(cause string, change int64, at time.Time) domain.SpaceDiffRecord {
	return domain.SpaceDiffRecord{
		Provider:  "did:web:upload.example.com",
		Space:     "did:key:z6MkSpace",
		Cause:     cause,
		Change:    change,
		ReceiptAt: at,
	}
}

func periodMillis() int64 { return periodTo.UnixMilli() - periodFrom.UnixMilli() }

func mul(a, b int64) *big.Int { return new(big.Int).Mul(big.NewInt(a), big.NewInt(b)) }

func assertBig(t *testing.T, want, got *big.Int, msgAndArgs ...any) {
	t.Helper()
	require.NotNil(t, got)
	assert.Equal(t, want.String(), got.String(), msgAndArgs...)
}

func TestIntegrateNoDiffs(t *testing.T) {
	res := Integrate(5*gib, nil, periodFrom, periodTo)

	assertBig(t, mul(5*gib, periodMillis()), res.Usage)
	assertBig(t, big.NewInt(5*gib), res.EndSize)
	assert.Zero(t, res.Applied)
	assert.False(t, res.Negative())
}

func TestIntegrateEmptySpace(t *testing.T) {
	res := Integrate(0, nil, periodFrom, periodTo)
	assert.Zero(t, res.Usage.Sign())
	assert.Zero(t, res.EndSize.Sign())
}

func TestIntegrateScenarios(t *testing.T) {
	mid := time.UnixMilli(periodFrom.UnixMilli() + periodMillis()/2).UTC()

	tests := []struct {
		name      string
		start     int64
		diffs     []domain.SpaceDiffRecord
		wantUsage *big.Int
		wantEnd   int64
	}{
		{
			name:      "single add at period start",
			start:     0,
			diffs:     []domain.SpaceDiffRecord{diff("bafyA", gib, periodFrom)},
			wantUsage: mul(gib, periodMillis()),
			wantEnd:   gib,
		},
		{
			name:  "add at start, remove at midpoint",
			start: 0,
			diffs: []domain.SpaceDiffRecord{
				diff("bafyA", gib, periodFrom),
				diff("bafyB", -gib, mid),
			},
			wantUsage: mul(gib, periodMillis()/2),
			wantEnd:   0,
		},
		{
			name:  "add one day before period end",
			start: tib,
			diffs: []domain.SpaceDiffRecord{diff("bafyA", gib, periodTo.Add(-24*time.Hour))},
			wantUsage: new(big.Int).Add(
				mul(tib, periodMillis()),
				mul(gib, (24*time.Hour).Milliseconds()),
			),
			wantEnd: tib + gib,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Integrate(tt.start, tt.diffs, periodFrom, periodTo)
			assertBig(t, tt.wantUsage, res.Usage)
			assertBig(t, big.NewInt(tt.wantEnd), res.EndSize)
			assert.False(t, res.Negative())
		})
	}
}

func TestIntegrateExcludesDiffAtPeriodEnd(t *testing.T) {
	diffs := []domain.SpaceDiffRecord{
		diff("bafyA", gib, periodTo),
		diff("bafyB", gib, periodFrom.Add(-time.Millisecond)),
	}
	res := Integrate(gib, diffs, periodFrom, periodTo)

	assertBig(t, mul(gib, periodMillis()), res.Usage)
	assertBig(t, big.NewInt(gib), res.EndSize)
	assert.Zero(t, res.Applied)
}

func TestIntegrateIsOrderIndependent(t *testing.T) {
	at := periodFrom.Add(time.Hour)
	diffs := []domain.SpaceDiffRecord{
		diff("bafyC", 300, at),
		diff("bafyA", -100, at),
		diff("bafyB", 50, periodFrom.Add(2*time.Hour)),
		diff("bafyD", 7, periodFrom.Add(30*time.Minute)),
	}
	want := Integrate(1000, diffs, periodFrom, periodTo)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := append([]domain.SpaceDiffRecord(nil), diffs...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		got := Integrate(1000, shuffled, periodFrom, periodTo)
		assertBig(t, want.Usage, got.Usage)
		assertBig(t, want.EndSize, got.EndSize)
	}
}

func TestIntegrateDoesNotReorderInput(t *testing.T) {
	diffs := []domain.SpaceDiffRecord{
		diff("bafyB", 2, periodFrom.Add(2*time.Hour)),
		diff("bafyA", 1, periodFrom.Add(time.Hour)),
	}
	Integrate(0, diffs, periodFrom, periodTo)
	assert.Equal(t, "bafyB", diffs[0].Cause)
}

func TestIntegrateConservation(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 100; i++ {
		start := rng.Int63n(10 * tib)
		n := rng.Intn(50)
		sum := start
		diffs := make([]domain.SpaceDiffRecord, 0, n)
		for j := 0; j < n; j++ {
			change := rng.Int63n(gib)
			if rng.Intn(3) == 0 && sum-change >= 0 {
				change = -change
			}
			sum += change
			offset := time.Duration(rng.Int63n(periodMillis())) * time.Millisecond
			diffs = append(diffs, diff("bafy", change, periodFrom.Add(offset)))
		}
		res := Integrate(start, diffs, periodFrom, periodTo)
		assertBig(t, big.NewInt(sum), res.EndSize)
		require.Equal(t, n, res.Applied)
	}
}

func TestIntegrateMonotoneInPeriodLength(t *testing.T) {
	diffs := []domain.SpaceDiffRecord{
		diff("bafyA", gib, periodFrom.Add(time.Hour)),
		diff("bafyB", -gib/2, periodFrom.Add(3*time.Hour)),
	}
	prev := new(big.Int)
	for hours := 1; hours <= 48; hours++ {
		res := Integrate(tib, diffs, periodFrom, periodFrom.Add(time.Duration(hours)*time.Hour))
		require.True(t, res.Usage.Cmp(prev) >= 0, "usage shrank when extending to %dh", hours)
		prev = res.Usage
	}
}

func TestIntegrateExactBeyondInt64(t *testing.T) {
	// 1 EiB held for 30 days overflows int64 byte-milliseconds by several orders.
	const eib = int64(1) << 60
	res := Integrate(eib, nil, periodFrom, periodFrom.Add(30*24*time.Hour))

	want := mul(eib, (30 * 24 * time.Hour).Milliseconds())
	assert.False(t, want.IsInt64())
	assertBig(t, want, res.Usage)
}

func TestIntegrateFlagsNegativeSize(t *testing.T) {
	diffs := []domain.SpaceDiffRecord{
		diff("bafyA", -2*gib, periodFrom.Add(time.Hour)),
		diff("bafyB", 2*gib, periodFrom.Add(2*time.Hour)),
	}
	res := Integrate(gib, diffs, periodFrom, periodTo)

	assert.True(t, res.Negative(), "a dip below zero must be flagged even if the period ends positive")
	assert.Equal(t, periodFrom.Add(time.Hour), res.NegativeAt)
	assertBig(t, big.NewInt(gib), res.EndSize)
}

func TestIntegrateFlagsNegativeEndSize(t *testing.T) {
	res := Integrate(gib, []domain.SpaceDiffRecord{diff("bafyA", -2*gib, periodFrom)}, periodFrom, periodTo)

	assert.True(t, res.Negative())
	assertBig(t, big.NewInt(-gib), res.EndSize)
	assert.NotNil(t, res.Usage, "the computation completes even when flagged")
}

func TestIntegrateTreatsOneMillisecondAsOneInstant(t *testing.T) {
	at := periodFrom.Add(time.Hour)
	diffs := []domain.SpaceDiffRecord{
		diff("bafyA", -gib, at.Add(100*time.Nanosecond)),
		diff("bafyB", gib, at.Add(900*time.Microsecond)),
	}
	res := Integrate(gib/2, diffs, periodFrom, periodTo)

	assert.False(t, res.Negative())
	assert.Equal(t, big.NewInt(gib/2).String(), res.EndSize.String())

	// A removal whose add lands in the next millisecond is a real negative.
	diffs[1].ReceiptAt = at.Add(time.Millisecond)
	res = Integrate(gib/2, diffs, periodFrom, periodTo)
	assert.True(t, res.Negative())
	assert.Equal(t, at.Add(100*time.Nanosecond), res.NegativeAt)
}

func TestIntegrateIgnoresTransientNegativeWithinInstant(t *testing.T) {
	at := periodFrom.Add(time.Hour)
	// "bafyA" sorts first, so the removal is applied before the matching add.
	diffs := []domain.SpaceDiffRecord{
		diff("bafyB", gib, at),
		diff("bafyA", -gib, at),
	}
	res := Integrate(0, diffs, periodFrom, periodTo)

	assert.False(t, res.Negative())
	assert.Zero(t, res.EndSize.Sign())
	assert.Zero(t, res.Usage.Sign())
}
