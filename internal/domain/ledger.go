package domain

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by ledger stores when a keyed record is absent.
	ErrNotFound = errors.New("record not found")
	// ErrIncompleteRead is returned when a range read could not be fully materialized.
	ErrIncompleteRead = errors.New("incomplete range read")
)

// SpaceDiffRecord is an immutable signed change to the size of a space.
// ReceiptAt is the effective time of the change.
type SpaceDiffRecord struct {
	Provider     string    `json:"provider"`
	Space        string    `json:"space"`
	Customer     string    `json:"customer"`
	Subscription string    `json:"subscription"`
	Cause        string    `json:"cause"`
	Change       int64     `json:"change"`
	ReceiptAt    time.Time `json:"receiptAt"`
	InsertedAt   time.Time `json:"insertedAt"`
}

func (d SpaceDiffRecord) Validate() error {
	if err := identifier("provider", d.Provider); err != nil {
		return err
	}
	if err := identifier("space", d.Space); err != nil {
		return err
	}
	if strings.TrimSpace(d.Cause) == "" {
		return errors.New("cause is required")
	}
	if d.ReceiptAt.IsZero() {
		return errors.New("receiptAt is required")
	}
	return nil
}

// SpaceSnapshotRecord is the total size of a space at exactly RecordedAt.
type SpaceSnapshotRecord struct {
	Provider   string    `json:"provider"`
	Space      string    `json:"space"`
	Size       int64     `json:"size"`
	RecordedAt time.Time `json:"recordedAt"`
	InsertedAt time.Time `json:"insertedAt"`
}

func (s SpaceSnapshotRecord) Validate() error {
	if err := identifier("provider", s.Provider); err != nil {
		return err
	}
	if err := identifier("space", s.Space); err != nil {
		return err
	}
	if s.Size < 0 {
		return fmt.Errorf("size must be non-negative, got %d", s.Size)
	}
	if s.RecordedAt.IsZero() {
		return errors.New("recordedAt is required")
	}
	return nil
}

// UsageRecord holds the byte-millisecond integral of a space's size over [From, To).
type UsageRecord struct {
	Customer   string    `json:"customer"`
	Account    string    `json:"account"`
	Product    string    `json:"product"`
	Provider   string    `json:"provider"`
	Space      string    `json:"space"`
	Usage      *big.Int  `json:"usage"`
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`
	InsertedAt time.Time `json:"insertedAt"`
}

// BillingInstruction asks for the usage of one space over the half-open interval [From, To).
type BillingInstruction struct {
	Customer string    `json:"customer"`
	Account  string    `json:"account"`
	Product  string    `json:"product"`
	Provider string    `json:"provider"`
	Space    string    `json:"space"`
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
}

func (in BillingInstruction) Validate() error {
	ids := []struct{ name, value string }{
		{"customer", in.Customer},
		{"account", in.Account},
		{"product", in.Product},
		{"provider", in.Provider},
		{"space", in.Space},
	}
	for _, id := range ids {
		if err := identifier(id.name, id.value); err != nil {
			return err
		}
	}
	if in.From.IsZero() || in.To.IsZero() {
		return errors.New("from and to are required")
	}
	if !in.From.Before(in.To) {
		return fmt.Errorf("from %s must be before to %s", in.From.Format(time.RFC3339Nano), in.To.Format(time.RFC3339Nano))
	}
	return nil
}

// Usage builds the usage record this instruction produces for the given integral.
func (in BillingInstruction) Usage(usage *big.Int, insertedAt time.Time) UsageRecord {
	return UsageRecord{
		Customer:   in.Customer,
		Account:    in.Account,
		Product:    in.Product,
		Provider:   in.Provider,
		Space:      in.Space,
		Usage:      new(big.Int).Set(usage),
		From:       in.From,
		To:         in.To,
		InsertedAt: insertedAt,
	}
}

func identifier(name, value string) error {
	if value == "" {
		return fmt.Errorf("%s is required", name)
	}
	if strings.ContainsAny(value, " \t\r\n") {
		return fmt.Errorf("%s %q must not contain whitespace", name, value)
	}
	return nil
}
