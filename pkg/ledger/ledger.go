package ledger

import (
	"context"
	"time"
)

// Ledger is the persistent record of deferred charges and their lifecycle.
// All writes are atomic at single-row granularity; no call spans rows
// transactionally across obligations.
type Ledger interface {
	// CreateObligations records one obligation per item with status
	// SCHEDULED. Returns the created rows.
	CreateObligations(ctx context.Context, orderID, customerID string, items []ObligationSpec) ([]Obligation, error)

	// FindDue returns obligations eligible for processing: SCHEDULED rows
	// with due_at <= now, plus PROCESSING rows whose claimed_at is at or
	// before staleBefore (abandoned claims). Ordered by due_at ascending,
	// at most limit rows.
	FindDue(ctx context.Context, now, staleBefore time.Time, limit int) ([]Obligation, error)

	// Transition is the compare-and-swap write primitive. It succeeds only
	// if the row's current status equals expected (and, when
	// fields.PriorClaimToken is set, the current claim token matches).
	// Returns (false, nil) when the guard fails so callers can detect loss
	// of a race without treating it as an error.
	Transition(ctx context.Context, id string, expected, next Status, fields TransitionFields) (bool, error)

	// Get returns a single obligation by id, or ErrNotFound.
	Get(ctx context.Context, id string) (Obligation, error)

	// ListByOrder returns all obligations belonging to an order, used to
	// evaluate the order's aggregate resolution.
	ListByOrder(ctx context.Context, orderID string) ([]Obligation, error)
}
