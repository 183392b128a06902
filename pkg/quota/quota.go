// Package quota gates review runs on a per-user credit balance. One
// successful review debits exactly one credit; failed reviews debit
// nothing.
package quota

import (
	"context"
	"errors"
)

// ErrQuotaExhausted reports a user with no remaining credits.
var ErrQuotaExhausted = errors.New("quota exhausted")

// Gate is the quota contract. Check runs before a graph starts; Deduct
// runs exactly once, after review_completed.
type Gate interface {
	// Check fails with ErrQuotaExhausted when the balance is zero or
	// negative.
	Check(ctx context.Context, userID string) error

	// Deduct debits one credit transactionally and records a ledger
	// entry. Deduct on an empty balance is still recorded; the review
	// already happened.
	Deduct(ctx context.Context, userID, taskID string) error

	// Balance returns the remaining credits.
	Balance(ctx context.Context, userID string) (int64, error)

	// Grant adds credits.
	Grant(ctx context.Context, userID string, credits int64) error

	Close() error
}

// Disabled is the gate used when billing is off: every check passes and
// deductions are dropped.
type Disabled struct{}

func (Disabled) Check(ctx context.Context, userID string) error          { return nil }
func (Disabled) Deduct(ctx context.Context, userID, taskID string) error { return nil }
func (Disabled) Balance(ctx context.Context, userID string) (int64, error) {
	return 0, nil
}
func (Disabled) Grant(ctx context.Context, userID string, credits int64) error { return nil }
func (Disabled) Close() error                                                  { return nil }
