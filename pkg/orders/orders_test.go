package orders_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/driftwood-commerce/keel/pkg/ledger"
	"github.com/driftwood-commerce/keel/pkg/orders"
)

func ob(status ledger.Status) ledger.Obligation {
	return ledger.Obligation{
		ID:      "ob",
		OrderID: "order-1",
		Status:  status,
		DueAt:   time.Now(),
	}
}

func TestAggregate(t *testing.T) {
	cases := []struct {
		name string
		obs  []ledger.Obligation
		want orders.OrderStatus
	}{
		{"all processed", []ledger.Obligation{ob(ledger.StatusProcessed), ob(ledger.StatusProcessed)}, orders.OrderResolved},
		{"scheduled blocks resolution", []ledger.Obligation{ob(ledger.StatusProcessed), ob(ledger.StatusScheduled)}, orders.OrderPendingCharges},
		{"processing blocks resolution", []ledger.Obligation{ob(ledger.StatusProcessed), ob(ledger.StatusProcessing)}, orders.OrderPendingCharges},
		{"terminal failure needs attention", []ledger.Obligation{ob(ledger.StatusProcessed), ob(ledger.StatusFailedTerminal)}, orders.OrderNeedsAttention},
		{"failure still pending while one runs", []ledger.Obligation{ob(ledger.StatusFailedTerminal), ob(ledger.StatusProcessing)}, orders.OrderPendingCharges},
		{"no obligations", nil, orders.OrderResolved},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, orders.Aggregate(tc.obs))
		})
	}
}
