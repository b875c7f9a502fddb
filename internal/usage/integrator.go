// Package usage integrates space size over time.
//
// Integrate is pure and safe for concurrent use. All byte-time arithmetic is
// done with math/big so results are exact regardless of period length.
package usage

import (
	"math/big"
	"sort"
	"time"

	"spacemeter/internal/domain"
)

// Result is the outcome of integrating one interval.
type Result struct {
	// Usage is the byte-millisecond integral of size over [from, to).
	Usage *big.Int
	// EndSize is the size at to: the start size plus every applied change.
	EndSize *big.Int
	// Applied counts diffs that fell inside [from, to).
	Applied int
	// NegativeAt is the first instant the running size dropped below zero,
	// or the zero time when it never did.
	NegativeAt time.Time
}

// Negative reports whether the ledger drove the size below zero at any
// instant in the interval.
func (r Result) Negative() bool {
	return r.EndSize.Sign() < 0 || !r.NegativeAt.IsZero()
}

// Integrate computes the usage of a space over [from, to) given its size at
// from and the diffs recorded for it. Diffs outside [from, to) are ignored:
// a diff at to belongs to the next period. The caller's slice is not modified.
func Integrate(startSize int64, diffs []domain.SpaceDiffRecord, from, to time.Time) Result {
	ordered := inRange(diffs, from, to)
	sortDiffs(ordered)

	var (
		usage    = new(big.Int)
		running  = big.NewInt(startSize)
		boundary = from.UnixMilli()
		term     = new(big.Int)
		res      = Result{Applied: len(ordered)}
	)

	for i, d := range ordered {
		at := d.ReceiptAt.UnixMilli()
		usage.Add(usage, term.Mul(running, big.NewInt(at-boundary)))
		running.Add(running, big.NewInt(d.Change))
		boundary = at

		// Size is only observable once every diff in this millisecond is applied.
		lastAtInstant := i == len(ordered)-1 || ordered[i+1].ReceiptAt.UnixMilli() != at
		if lastAtInstant && running.Sign() < 0 && res.NegativeAt.IsZero() {
			res.NegativeAt = d.ReceiptAt
		}
	}
	usage.Add(usage, term.Mul(running, big.NewInt(to.UnixMilli()-boundary)))

	res.Usage = usage
	res.EndSize = running
	return res
}

func inRange(diffs []domain.SpaceDiffRecord, from, to time.Time) []domain.SpaceDiffRecord {
	out := make([]domain.SpaceDiffRecord, 0, len(diffs))
	for _, d := range diffs {
		if d.ReceiptAt.Before(from) || !d.ReceiptAt.Before(to) {
			continue
		}
		out = append(out, d)
	}
	return out
}

// sortDiffs orders by receiptAt, then cause, then change. Receipt times within
// one millisecond contribute no elapsed time, so the tie-break only fixes
// intermediate state.
func sortDiffs(diffs []domain.SpaceDiffRecord) {
	sort.SliceStable(diffs, func(i, j int) bool {
		a, b := diffs[i], diffs[j]
		if !a.ReceiptAt.Equal(b.ReceiptAt) {
			return a.ReceiptAt.Before(b.ReceiptAt)
		}
		if a.Cause != b.Cause {
			return a.Cause < b.Cause
		}
		return a.Change < b.Change
	})
}
