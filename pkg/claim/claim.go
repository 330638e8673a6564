// Package claim converts due obligations into exclusive, crash-safe claims.
//
// Safety comes from the ledger's single-row CAS transition, not from any
// coordination between workers: two schedulers racing for the same row
// both issue the CAS and exactly one sees it succeed.
package claim

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/driftwood-commerce/keel/pkg/ledger"
)

// DefaultTimeout is how long a claim may sit without an outcome before any
// scheduler instance may take it over. Covers crashed workers.
const DefaultTimeout = 15 * time.Minute

// Coordinator claims obligations on behalf of one scheduler instance.
type Coordinator struct {
	ledger  ledger.Ledger
	timeout time.Duration
	logger  *slog.Logger
}

func NewCoordinator(l ledger.Ledger, timeout time.Duration, logger *slog.Logger) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{ledger: l, timeout: timeout, logger: logger}
}

// Timeout returns the claim timeout.
func (c *Coordinator) Timeout() time.Duration { return c.timeout }

// StaleBefore returns the claimed_at cutoff for abandoned claims at now.
func (c *Coordinator) StaleBefore(now time.Time) time.Time {
	return now.Add(-c.timeout)
}

// Claim attempts to take exclusive ownership of ob as observed by the
// discovery query. Returns the claimed copy and true on success, or false
// when another worker won the race. A lost race is never an error.
func (c *Coordinator) Claim(ctx context.Context, ob ledger.Obligation) (ledger.Obligation, bool, error) {
	now := time.Now().UTC()
	token := uuid.New().String()
	fields := ledger.TransitionFields{ClaimToken: &token, ClaimedAt: &now}

	var ok bool
	var err error
	switch ob.Status {
	case ledger.StatusScheduled:
		// Guard on the snapshot's due_at as well as the status: a row
		// requeued since the snapshot was read is a different incarnation
		// with a later due time, and claiming it would fire the retry
		// before its backoff delay.
		priorDue := ob.DueAt
		fields.PriorDueAt = &priorDue
		ok, err = c.ledger.Transition(ctx, ob.ID, ledger.StatusScheduled, ledger.StatusProcessing, fields)

	case ledger.StatusProcessing:
		// A PROCESSING row without a token is impossible under the state
		// machine. Reset it loudly rather than dropping it.
		if ob.ClaimToken == "" {
			return c.forceReset(ctx, ob, now)
		}
		// Take over only claims the timeout has actually expired on; the
		// discovery query already filtered, but the row may have been
		// re-claimed since it was read.
		if ob.ClaimedAt.After(c.StaleBefore(now)) {
			return ob, false, nil
		}
		prior := ob.ClaimToken
		fields.PriorClaimToken = &prior
		ok, err = c.ledger.Transition(ctx, ob.ID, ledger.StatusProcessing, ledger.StatusProcessing, fields)

	default:
		return ob, false, nil
	}

	if err != nil {
		return ob, false, fmt.Errorf("claim: transition failed for %s: %w", ob.ID, err)
	}
	if !ok {
		return ob, false, nil
	}

	ob.Status = ledger.StatusProcessing
	ob.ClaimToken = token
	ob.ClaimedAt = now
	return ob, true, nil
}

// forceReset handles the invariant violation of a tokenless PROCESSING row:
// back to SCHEDULED, due immediately, with a fresh claim-timeout window.
func (c *Coordinator) forceReset(ctx context.Context, ob ledger.Obligation, now time.Time) (ledger.Obligation, bool, error) {
	c.logger.Error("invariant violation: PROCESSING obligation has no claim token, forcing reset",
		"obligation_id", ob.ID,
		"order_id", ob.OrderID,
	)
	empty := ""
	ok, err := c.ledger.Transition(ctx, ob.ID, ledger.StatusProcessing, ledger.StatusScheduled, ledger.TransitionFields{
		DueAt:           &now,
		PriorClaimToken: &empty,
	})
	if err != nil {
		return ob, false, fmt.Errorf("claim: force reset failed for %s: %w", ob.ID, err)
	}
	if !ok {
		c.logger.Warn("force reset lost a race, leaving row to its new owner", "obligation_id", ob.ID)
	}
	return ob, false, nil
}
