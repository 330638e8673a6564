package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/driftwood-commerce/keel/pkg/finance"
)

// OutcomeKind is the three-way classification every gateway response is
// mapped to at this boundary. Nothing downstream ever sees a raw gateway
// payload.
type OutcomeKind string

const (
	// OutcomeSuccess means funds were captured.
	OutcomeSuccess OutcomeKind = "SUCCESS"
	// OutcomeRetryable covers network errors, timeouts, gateway-busy and
	// issuer "try again" responses, and ambiguous results where capture
	// state is unknown. Retried under the same idempotency key.
	OutcomeRetryable OutcomeKind = "RETRYABLE_FAILURE"
	// OutcomeTerminal covers declines for policy reasons and missing or
	// revoked instruments. Ends the obligation's active life.
	OutcomeTerminal OutcomeKind = "TERMINAL_FAILURE"
)

// ChargeResult is the typed outcome of one charge call.
type ChargeResult struct {
	Kind       OutcomeKind `json:"kind"`
	Reason     string      `json:"reason,omitempty"`
	GatewayRef string      `json:"gateway_ref,omitempty"`
}

func (r ChargeResult) String() string {
	if r.Reason == "" {
		return string(r.Kind)
	}
	return fmt.Sprintf("%s: %s", r.Kind, r.Reason)
}

// Gateway is the external payment capability. Implementations wrap a real
// processor SDK; the scheduler only depends on this contract.
//
// A retried call with the same idempotency key must not produce a second
// capture even if the first call's response was lost.
type Gateway interface {
	Charge(ctx context.Context, instrumentRef string, amount finance.Money, idempotencyKey string) (ChargeResult, error)
}

// AttemptRecord is the ephemeral result of one executor run. It feeds the
// retry policy and is folded into the obligation's last_outcome; it is not
// persisted on its own.
type AttemptRecord struct {
	ObligationID string
	Attempt      int
	Outcome      ChargeResult
	At           time.Time
}
