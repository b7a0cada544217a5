package domain

import (
	"context"
	"errors"
)

type Service interface {
	// AllocateCredits grants amount to the org.
	AllocateCredits(ctx context.Context, orgID string, amount int64) error

	// ReserveCredits holds amount for a task. Fails with
	// ErrInsufficientCredits before anything is appended when the folded
	// balance cannot cover it. The check-then-append race is closed by the
	// aggregate version at append time: the loser gets a concurrency
	// conflict and must retry the whole flow from a fresh read.
	ReserveCredits(ctx context.Context, orgID string, amount int64, taskID string) error

	// ConsumeCredits settles a reservation. Terminal: nothing ever reduces
	// consumed.
	ConsumeCredits(ctx context.Context, orgID string, amount int64, taskID string) error

	// RefundCredits releases a reservation back to available.
	RefundCredits(ctx context.Context, orgID string, amount int64, taskID string) error

	// GetBalance folds the org's ledger on demand.
	GetBalance(ctx context.Context, orgID string) (Balance, error)

	// GetEntries returns the org's ledger entries in audit order.
	GetEntries(ctx context.Context, orgID string, limit int) ([]LedgerEntry, error)
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidAmount       = errors.New("invalid_amount")

	// ErrInsufficientCredits is a terminal business rejection, surfaced to
	// the caller as-is.
	ErrInsufficientCredits = errors.New("insufficient_credits")

	// ErrLedgerCorrupted means the fold produced a negative available or
	// reserved balance. Upstream checks should make this unreachable; it is
	// surfaced hard rather than silently tolerated.
	ErrLedgerCorrupted = errors.New("ledger_corrupted")
)
