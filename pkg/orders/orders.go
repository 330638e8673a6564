package orders

import (
	"context"
	"time"

	"github.com/driftwood-commerce/keel/pkg/finance"
	"github.com/driftwood-commerce/keel/pkg/ledger"
)

// OrderStatus is the aggregate resolution state the scheduler maintains on
// an order.
type OrderStatus string

const (
	// OrderPendingCharges: at least one obligation is still SCHEDULED or
	// PROCESSING. An order is never resolved in this state.
	OrderPendingCharges OrderStatus = "PENDING_CHARGES"
	// OrderResolved: every obligation reached PROCESSED.
	OrderResolved OrderStatus = "RESOLVED"
	// OrderNeedsAttention: every obligation is terminal and at least one
	// is FAILED_TERMINAL.
	OrderNeedsAttention OrderStatus = "NEEDS_ATTENTION"
)

// Service is the consumer-provided order collaborator.
type Service interface {
	// GetPaymentInstrument returns the opaque stored instrument reference
	// for the order's customer.
	GetPaymentInstrument(ctx context.Context, orderID string) (string, error)

	// UpdateOrderStatus records the aggregate resolution state.
	UpdateOrderStatus(ctx context.Context, orderID string, status OrderStatus) error
}

// PaymentTask asks the end user to update their instrument after a charge
// failed terminally.
type PaymentTask struct {
	ObligationID string        `json:"obligation_id"`
	OrderID      string        `json:"order_id"`
	CustomerID   string        `json:"customer_id"`
	Amount       finance.Money `json:"amount"`
	Reason       string        `json:"reason"`
	RaisedAt     time.Time     `json:"raised_at"`
}

// PendingTaskSurface is the consumer-provided "payment needs attention"
// collaborator, invoked exactly once per FAILED_TERMINAL obligation.
type PendingTaskSurface interface {
	RaisePaymentTask(ctx context.Context, task PaymentTask) error
}

// Aggregate derives the order's status from its obligations.
func Aggregate(obs []ledger.Obligation) OrderStatus {
	failed := false
	for _, ob := range obs {
		if !ob.Status.Terminal() {
			return OrderPendingCharges
		}
		if ob.Status == ledger.StatusFailedTerminal {
			failed = true
		}
	}
	if failed {
		return OrderNeedsAttention
	}
	return OrderResolved
}
