package billing

import (
	"errors"
	"fmt"

	"spacemeter/internal/domain"
)

// ErrorKind classifies handler failures so callers can pick retry or dead-letter.
type ErrorKind string

const (
	KindInvalidInstruction ErrorKind = "invalid_instruction"
	KindMissingSnapshot    ErrorKind = "missing_snapshot"
	KindStorageFailure     ErrorKind = "storage_failure"
	KindNegativeSize       ErrorKind = "negative_size"
	KindSizeOverflow       ErrorKind = "size_overflow"
)

var (
	ErrInvalidInstruction = errors.New("invalid billing instruction")
	ErrMissingSnapshot    = errors.New("snapshot missing for period start")
	ErrStorageFailure     = errors.New("ledger storage failure")
	ErrNegativeSize       = errors.New("space size went negative")
	ErrSizeOverflow       = errors.New("space size exceeds int64")
)

var sentinels = map[ErrorKind]error{
	KindInvalidInstruction: ErrInvalidInstruction,
	KindMissingSnapshot:    ErrMissingSnapshot,
	KindStorageFailure:     ErrStorageFailure,
	KindNegativeSize:       ErrNegativeSize,
	KindSizeOverflow:       ErrSizeOverflow,
}

// Error is returned by Handler.Handle for every failure.
type Error struct {
	Kind        ErrorKind
	Instruction domain.BillingInstruction
	Err         error
}

func (e *Error) Error() string {
	in := e.Instruction
	return fmt.Sprintf("%s: provider=%s space=%s from=%s: %v",
		e.Kind, in.Provider, in.Space, in.From.UTC().Format("2006-01-02T15:04:05.000Z"), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind, so errors.Is(err, ErrMissingSnapshot) works.
func (e *Error) Is(target error) bool {
	return sentinels[e.Kind] == target
}

// KindOf returns the kind of a handler error, or "" for foreign errors.
func KindOf(err error) ErrorKind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return ""
}

// Retryable reports whether re-running the same instruction may succeed.
// Only storage failures qualify: every other kind reproduces deterministically.
func Retryable(err error) bool {
	return KindOf(err) == KindStorageFailure
}

func newError(kind ErrorKind, in domain.BillingInstruction, err error) *Error {
	return &Error{Kind: kind, Instruction: in, Err: err}
}
