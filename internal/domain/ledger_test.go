package domain

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validInstruction() BillingInstruction {
	from := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	return BillingInstruction{
		Customer: "did:mailto:example.com:alice",
		Account:  "stripe:cus_123",
		Product:  "did:web:starter.example.com",
		Provider: "did:web:upload.example.com",
		Space:    "did:key:z6MkSpace",
		From:     from,
		To:       from.AddDate(0, 1, 0),
	}
}

func TestBillingInstructionValidate(t *testing.T) {
	require.NoError(t, validInstruction().Validate())

	tests := []struct {
		name   string
		mutate func(*BillingInstruction)
	}{
		{"empty customer", func(in *BillingInstruction) { in.Customer = "" }},
		{"empty space", func(in *BillingInstruction) { in.Space = "" }},
		{"whitespace provider", func(in *BillingInstruction) { in.Provider = "did:web: upload" }},
		{"from equals to", func(in *BillingInstruction) { in.To = in.From }},
		{"from after to", func(in *BillingInstruction) { in.From = in.To.Add(time.Millisecond) }},
		{"zero from", func(in *BillingInstruction) { in.From = time.Time{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInstruction()
			tt.mutate(&in)
			assert.Error(t, in.Validate())
		})
	}
}

func TestBillingInstructionUsageCopiesIdentity(t *testing.T) {
	in := validInstruction()
	usage := big.NewInt(42)
	now := time.Date(2026, 10, 1, 0, 0, 1, 0, time.UTC)

	rec := in.Usage(usage, now)
	usage.SetInt64(7)

	assert.Equal(t, in.Customer, rec.Customer)
	assert.Equal(t, in.Space, rec.Space)
	assert.Equal(t, in.From, rec.From)
	assert.Equal(t, in.To, rec.To)
	assert.Equal(t, now, rec.InsertedAt)
	assert.Equal(t, "42", rec.Usage.String(), "usage must not alias the caller's value")
}

func TestSpaceDiffRecordValidate(t *testing.T) {
	d := SpaceDiffRecord{Provider: "p", Space: "s", Cause: "bafy", Change: 0, ReceiptAt: time.Unix(1, 0)}
	require.NoError(t, d.Validate())

	d.Cause = ""
	assert.Error(t, d.Validate())
}

func TestSpaceSnapshotRecordValidate(t *testing.T) {
	s := SpaceSnapshotRecord{Provider: "p", Space: "s", Size: 0, RecordedAt: time.Unix(1, 0)}
	require.NoError(t, s.Validate())

	s.Size = -1
	assert.Error(t, s.Validate())
}
