package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// ChargeMetrics are the scheduler's per-run counters.
type ChargeMetrics struct {
	Runs           metric.Int64Counter
	Processed      metric.Int64Counter
	Requeued       metric.Int64Counter
	TerminalFailed metric.Int64Counter
	ClaimsLost     metric.Int64Counter
	Errors         metric.Int64Counter
}

// NewChargeMetrics registers the scheduler instruments on m.
func NewChargeMetrics(m metric.Meter) (*ChargeMetrics, error) {
	var cm ChargeMetrics
	var err error

	if cm.Runs, err = m.Int64Counter("keel.scheduler.runs",
		metric.WithDescription("Scheduler runs started")); err != nil {
		return nil, fmt.Errorf("failed to create runs counter: %w", err)
	}
	if cm.Processed, err = m.Int64Counter("keel.obligations.processed",
		metric.WithDescription("Obligations captured successfully")); err != nil {
		return nil, fmt.Errorf("failed to create processed counter: %w", err)
	}
	if cm.Requeued, err = m.Int64Counter("keel.obligations.requeued",
		metric.WithDescription("Obligations re-scheduled after a retryable failure")); err != nil {
		return nil, fmt.Errorf("failed to create requeued counter: %w", err)
	}
	if cm.TerminalFailed, err = m.Int64Counter("keel.obligations.terminal_failed",
		metric.WithDescription("Obligations that reached FAILED_TERMINAL")); err != nil {
		return nil, fmt.Errorf("failed to create terminal counter: %w", err)
	}
	if cm.ClaimsLost, err = m.Int64Counter("keel.obligations.claims_lost",
		metric.WithDescription("Claim CAS races lost to another worker")); err != nil {
		return nil, fmt.Errorf("failed to create claims-lost counter: %w", err)
	}
	if cm.Errors, err = m.Int64Counter("keel.scheduler.errors",
		metric.WithDescription("Per-obligation processing errors")); err != nil {
		return nil, fmt.Errorf("failed to create errors counter: %w", err)
	}
	return &cm, nil
}

// AddRun records the counts of one completed run.
func (cm *ChargeMetrics) AddRun(ctx context.Context, processed, requeued, terminal, claimsLost, errors int64) {
	cm.Runs.Add(ctx, 1)
	cm.Processed.Add(ctx, processed)
	cm.Requeued.Add(ctx, requeued)
	cm.TerminalFailed.Add(ctx, terminal)
	cm.ClaimsLost.Add(ctx, claimsLost)
	cm.Errors.Add(ctx, errors)
}
