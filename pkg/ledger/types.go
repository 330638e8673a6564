package ledger

import (
	"errors"
	"time"

	"github.com/driftwood-commerce/keel/pkg/finance"
)

// ErrNotFound is returned when an obligation is not found.
var ErrNotFound = errors.New("not found")

// IllegalTransitionError reports an attempted state-machine edge that the
// obligation lifecycle does not permit. Seeing one means a caller bug, not
// a lost race.
type IllegalTransitionError struct {
	From, To Status
}

func (e *IllegalTransitionError) Error() string {
	return "ledger: illegal transition " + string(e.From) + " -> " + string(e.To)
}

// Status represents the lifecycle state of an obligation.
type Status string

const (
	StatusScheduled      Status = "SCHEDULED"
	StatusProcessing     Status = "PROCESSING"
	StatusProcessed      Status = "PROCESSED"
	StatusFailedTerminal Status = "FAILED_TERMINAL"
)

// Terminal reports whether no further automatic transition occurs from s.
func (s Status) Terminal() bool {
	return s == StatusProcessed || s == StatusFailedTerminal
}

// Obligation is a single deferred charge owed against an order.
// It is created at order placement and never deleted; terminal states
// are retained for audit.
type Obligation struct {
	ID           string        `json:"id"`
	OrderID      string        `json:"order_id"`
	CustomerID   string        `json:"customer_id"`
	Amount       finance.Money `json:"amount"`
	Description  string        `json:"description,omitempty"`
	DueAt        time.Time     `json:"due_at"`
	Status       Status        `json:"status"`
	AttemptCount int           `json:"attempt_count"`
	ClaimToken   string        `json:"claim_token,omitempty"`
	ClaimedAt    time.Time     `json:"claimed_at,omitempty"`
	LastOutcome  string        `json:"last_outcome,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// ObligationSpec describes one deferred charge at creation time.
// Amounts arrive already resolved; pricing is not computed here.
type ObligationSpec struct {
	Amount      finance.Money
	Description string
	DueAt       time.Time
}

// TransitionFields carries the optional column updates and guards applied
// by a Transition call. Nil pointers leave the column untouched.
type TransitionFields struct {
	DueAt       *time.Time
	ClaimToken  *string
	ClaimedAt   *time.Time
	LastOutcome *string

	// IncrementAttempt bumps attempt_count by one relative to the stored
	// row, never to a value computed from a caller's snapshot. The counter
	// only increases.
	IncrementAttempt bool

	// PriorClaimToken, when set, restricts the transition to rows whose
	// current claim_token matches. Used when re-claiming a stale
	// PROCESSING row so a live claim is never stolen.
	PriorClaimToken *string

	// PriorDueAt, when set, restricts the transition to rows whose
	// current due_at matches. Guards a claim against acting on a stale
	// snapshot of a row that was requeued since it was read.
	PriorDueAt *time.Time
}

// validNext encodes the obligation state machine. No transition skips
// PROCESSING; PROCESSING re-entry covers stale-claim takeover and
// attempt-count bumps under a held claim.
var validNext = map[Status][]Status{
	StatusScheduled:  {StatusProcessing},
	StatusProcessing: {StatusProcessing, StatusProcessed, StatusScheduled, StatusFailedTerminal},
}

// ValidTransition reports whether from -> to is a legal state-machine edge.
func ValidTransition(from, to Status) bool {
	for _, n := range validNext[from] {
		if n == to {
			return true
		}
	}
	return false
}
