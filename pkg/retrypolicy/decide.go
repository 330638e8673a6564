package retrypolicy

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/driftwood-commerce/keel/pkg/gateway"
)

// Action is what the scheduler should do with an obligation after an
// attempt.
type Action string

const (
	ActionProcessed Action = "PROCESSED"
	ActionRequeue   Action = "REQUEUE"
	ActionTerminal  Action = "TERMINAL_FAIL"
)

// Decision is the outcome of the retry policy for one attempt.
type Decision struct {
	Action    Action
	RequeueAt time.Time // set only for ActionRequeue, strictly after now
}

// Decide maps (attempt count, outcome kind) to the next action. Pure: the
// same inputs always produce the same decision. attemptCount is the count
// after the attempt that produced kind.
func Decide(p Policy, obligationID string, attemptCount int, kind gateway.OutcomeKind, now time.Time) Decision {
	switch kind {
	case gateway.OutcomeSuccess:
		return Decision{Action: ActionProcessed}
	case gateway.OutcomeTerminal:
		return Decision{Action: ActionTerminal}
	}

	// Retryable, but the attempt budget is spent: terminal anyway.
	if attemptCount >= p.MaxAttempts {
		return Decision{Action: ActionTerminal}
	}
	return Decision{
		Action:    ActionRequeue,
		RequeueAt: now.Add(Backoff(p, obligationID, attemptCount)),
	}
}

// Backoff returns the delay before attempt attemptCount+1 using exponential
// growth with deterministic jitter. With MaxJitterMs <= BaseMs the delays
// for successive attempts never decrease and never exceed MaxMs.
func Backoff(p Policy, obligationID string, attemptCount int) time.Duration {
	// delay = base * 2^(attempt-1), bit shift for the power of two
	factor := int64(1)
	if attemptCount > 1 {
		shift := attemptCount - 1
		if shift > 30 {
			// Avoid overflow, cap exponent
			shift = 30
		}
		factor = 1 << shift
	}

	delay := p.BaseMs * factor
	if delay > p.MaxMs || delay < 0 {
		delay = p.MaxMs
	}

	total := delay + jitter(p, obligationID, attemptCount)
	if total > p.MaxMs {
		total = p.MaxMs
	}
	return time.Duration(total) * time.Millisecond
}

// jitter spreads re-claims so obligations failing on the same tick do not
// all become due again at the same instant. Deterministic PRF over the
// obligation and attempt, so retry schedules are reproducible.
func jitter(p Policy, obligationID string, attemptCount int) int64 {
	if p.MaxJitterMs == 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%d", obligationID, attemptCount)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(p.MaxJitterMs)) //nolint:gosec // MaxJitterMs is always positive
}
