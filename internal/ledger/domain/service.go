package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

// Service owns the reserve/finalize/release lifecycle. Every mutation is a
// single transaction serialized per user by the store, so concurrent
// reservations cannot read a stale balance.
//
// Exactly one of Finalize or Release settles a reservation. Both detect an
// already-settled job, so duplicate delivery from the queue is safe.
type Service interface {
	GetBalance(ctx context.Context, userID snowflake.ID) (int64, error)

	// Reserve debits amount against the balance before a job is enqueued.
	Reserve(ctx context.Context, userID, jobID snowflake.ID, amount int64) error

	// Release refunds the outstanding reservation in full. Calling it for a
	// job with no outstanding reservation is a no-op.
	Release(ctx context.Context, userID, jobID snowflake.ID) error

	// Finalize settles the reservation against the actual cost, refunding
	// the difference. finalCost above the reserved amount is rejected.
	Finalize(ctx context.Context, userID, jobID snowflake.ID, finalCost int64) error

	// Grant credits a top-up (purchase or promotional grant).
	Grant(ctx context.Context, userID snowflake.ID, amount int64, reason EntryReason) error

	ListEntries(ctx context.Context, req ListEntriesRequest) ([]CreditEntry, error)
}

type ListEntriesRequest struct {
	UserID snowflake.ID
	Limit  int
}

var (
	ErrInsufficientCredits    = errors.New("insufficient_credits")
	ErrCostExceedsReservation = errors.New("cost_exceeds_reservation")
	ErrAlreadyFinalized       = errors.New("already_finalized")
	ErrNoReservation          = errors.New("no_outstanding_reservation")
	ErrInvalidAmount          = errors.New("invalid_amount")
	ErrInvalidReason          = errors.New("invalid_reason")
)
