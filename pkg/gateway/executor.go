package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/driftwood-commerce/keel/pkg/ledger"
)

// ErrClaimLost is returned when the obligation's claim was taken over by
// another worker between claiming and attempting. The caller moves on.
var ErrClaimLost = errors.New("gateway: claim lost")

// IdempotencyKey derives the stable key for one logical attempt. The same
// (obligation, attempt) pair always yields the same key, so a network retry
// against the gateway cannot double-capture.
func IdempotencyKey(obligationID string, attempt int) string {
	return fmt.Sprintf("%s:%d", obligationID, attempt)
}

// Executor drives a claimed obligation through a single payment attempt.
type Executor struct {
	ledger  ledger.Ledger
	gateway Gateway
	limiter *rate.Limiter
	timeout time.Duration
	logger  *slog.Logger
}

// NewExecutor builds an executor. timeout bounds the gateway call; limiter
// caps the outbound call rate across the whole process (nil disables
// limiting).
func NewExecutor(l ledger.Ledger, gw Gateway, limiter *rate.Limiter, timeout time.Duration, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{ledger: l, gateway: gw, limiter: limiter, timeout: timeout, logger: logger}
}

// Attempt increments the attempt count under the held claim, calls the
// gateway exactly once with a bounded timeout, and records the classified
// outcome on the obligation. The obligation stays PROCESSING; resolving it
// is the caller's job, fed by the returned record.
func (e *Executor) Attempt(ctx context.Context, ob ledger.Obligation, instrumentRef string) (AttemptRecord, error) {
	token := ob.ClaimToken

	// Bump the counter before the call so a crash mid-call still burns
	// the attempt, keeping the idempotency key from being reused for a
	// different logical attempt. The increment is relative to the stored
	// row, never to the caller's snapshot: a stale snapshot must not
	// regress the counter or re-derive an already-used key.
	ok, err := e.ledger.Transition(ctx, ob.ID, ledger.StatusProcessing, ledger.StatusProcessing, ledger.TransitionFields{
		IncrementAttempt: true,
		PriorClaimToken:  &token,
	})
	if err != nil {
		return AttemptRecord{}, fmt.Errorf("gateway: failed to start attempt: %w", err)
	}
	if !ok {
		return AttemptRecord{}, ErrClaimLost
	}

	cur, err := e.ledger.Get(ctx, ob.ID)
	if err != nil {
		return AttemptRecord{}, fmt.Errorf("gateway: failed to read attempt count: %w", err)
	}
	attempt := cur.AttemptCount

	rec := AttemptRecord{
		ObligationID: ob.ID,
		Attempt:      attempt,
		At:           time.Now().UTC(),
	}

	if instrumentRef == "" {
		rec.Outcome = ChargeResult{Kind: OutcomeTerminal, Reason: "payment instrument missing"}
		e.recordOutcome(ctx, ob.ID, token, rec.Outcome)
		return rec, nil
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			rec.Outcome = ChargeResult{Kind: OutcomeRetryable, Reason: "rate limiter: " + err.Error()}
			e.recordOutcome(ctx, ob.ID, token, rec.Outcome)
			return rec, nil
		}
	}

	key := IdempotencyKey(ob.ID, attempt)
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	result, err := e.gateway.Charge(callCtx, instrumentRef, ob.Amount, key)
	rec.Outcome = classify(result, err)

	e.logger.Info("charge attempt finished",
		"obligation_id", ob.ID,
		"attempt", attempt,
		"idempotency_key", key,
		"outcome", rec.Outcome.Kind,
	)

	e.recordOutcome(ctx, ob.ID, token, rec.Outcome)
	return rec, nil
}

// classify maps whatever the gateway produced into the three-way outcome.
// Transport errors and timeouts are retryable: the capture state is unknown
// and the idempotency key makes the retry safe.
func classify(result ChargeResult, err error) ChargeResult {
	if err != nil {
		return ChargeResult{Kind: OutcomeRetryable, Reason: err.Error()}
	}
	switch result.Kind {
	case OutcomeSuccess, OutcomeRetryable, OutcomeTerminal:
		return result
	default:
		return ChargeResult{Kind: OutcomeRetryable, Reason: "ambiguous gateway status " + string(result.Kind)}
	}
}

// recordOutcome writes last_outcome under the held claim. Best effort: if
// the claim was taken over, the takeover owner produces its own record.
func (e *Executor) recordOutcome(ctx context.Context, id, token string, outcome ChargeResult) {
	summary := outcome.String()
	ok, err := e.ledger.Transition(ctx, id, ledger.StatusProcessing, ledger.StatusProcessing, ledger.TransitionFields{
		LastOutcome:     &summary,
		PriorClaimToken: &token,
	})
	if err != nil {
		e.logger.Error("failed to record attempt outcome", "obligation_id", id, "error", err)
		return
	}
	if !ok {
		e.logger.Warn("claim lost before outcome could be recorded", "obligation_id", id)
	}
}
