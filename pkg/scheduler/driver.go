// Package scheduler discovers due obligations, claims them, and drives
// each through a payment attempt to a decision.
//
// Multiple instances may run truly in parallel; nothing here locks across
// workers. Cross-order work is parallel, obligations within one order run
// sequentially in due order so a customer is never charged in parallel.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/driftwood-commerce/keel/pkg/claim"
	"github.com/driftwood-commerce/keel/pkg/gateway"
	"github.com/driftwood-commerce/keel/pkg/ledger"
	"github.com/driftwood-commerce/keel/pkg/observability"
	"github.com/driftwood-commerce/keel/pkg/orders"
	"github.com/driftwood-commerce/keel/pkg/retrypolicy"
)

const (
	// DefaultBatchLimit caps how many obligations one run may pull,
	// bounding work per tick.
	DefaultBatchLimit = 100
	// DefaultWorkers is the cross-order parallelism per instance.
	DefaultWorkers = 4
)

// RunSummary is the per-run accounting logged and exported after RunOnce.
type RunSummary struct {
	Discovered     int
	Processed      int
	Requeued       int
	TerminalFailed int
	ClaimsLost     int
	Errors         int
	Duration       time.Duration
}

// Driver owns one scheduler instance's run loop body.
type Driver struct {
	ledger     ledger.Ledger
	claims     *claim.Coordinator
	executor   *gateway.Executor
	policy     retrypolicy.Policy
	orders     orders.Service
	tasks      orders.PendingTaskSurface
	batchLimit int
	workers    int
	metrics    *observability.ChargeMetrics
	logger     *slog.Logger
}

// Options tune a Driver beyond its required collaborators.
type Options struct {
	BatchLimit int
	Workers    int
	Metrics    *observability.ChargeMetrics
	Logger     *slog.Logger
}

func NewDriver(l ledger.Ledger, claims *claim.Coordinator, exec *gateway.Executor, policy retrypolicy.Policy, svc orders.Service, tasks orders.PendingTaskSurface, opts Options) *Driver {
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = DefaultBatchLimit
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Driver{
		ledger:     l,
		claims:     claims,
		executor:   exec,
		policy:     policy,
		orders:     svc,
		tasks:      tasks,
		batchLimit: opts.BatchLimit,
		workers:    opts.Workers,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
	}
}

// counters is the shared per-run tally. Guarded by its own mutex so order
// workers can report concurrently.
type counters struct {
	mu                                                  sync.Mutex
	processed, requeued, terminal, claimsLost, errCount int
}

func (c *counters) add(f func(*counters)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f(c)
}

// RunOnce executes one scheduler tick: discover, group by order, process.
// A per-obligation failure never aborts the rest of the batch; an error
// return means the discovery itself failed and the tick did no work.
func (d *Driver) RunOnce(ctx context.Context) (RunSummary, error) {
	start := time.Now()
	now := start.UTC()

	due, err := d.ledger.FindDue(ctx, now, d.claims.StaleBefore(now), d.batchLimit)
	if err != nil {
		// Transient infra: abort this run, the next tick retries. Claims
		// are CAS-based so nothing is left corrupted.
		return RunSummary{}, fmt.Errorf("scheduler: discovery failed: %w", err)
	}

	// Group by order, preserving due order both across groups and within
	// each group (FindDue returns due_at ascending).
	grouped := make(map[string][]ledger.Obligation)
	orderIDs := make([]string, 0)
	for _, ob := range due {
		if _, seen := grouped[ob.OrderID]; !seen {
			orderIDs = append(orderIDs, ob.OrderID)
		}
		grouped[ob.OrderID] = append(grouped[ob.OrderID], ob)
	}

	var tally counters
	jobs := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for orderID := range jobs {
				d.processOrder(ctx, orderID, grouped[orderID], &tally)
			}
		}()
	}
	for _, id := range orderIDs {
		jobs <- id
	}
	close(jobs)
	wg.Wait()

	summary := RunSummary{
		Discovered:     len(due),
		Processed:      tally.processed,
		Requeued:       tally.requeued,
		TerminalFailed: tally.terminal,
		ClaimsLost:     tally.claimsLost,
		Errors:         tally.errCount,
		Duration:       time.Since(start),
	}

	d.logger.Info("scheduler run finished",
		"discovered", summary.Discovered,
		"processed", summary.Processed,
		"requeued", summary.Requeued,
		"terminal_failed", summary.TerminalFailed,
		"claims_lost", summary.ClaimsLost,
		"errors", summary.Errors,
		"duration", summary.Duration,
	)
	if d.metrics != nil {
		d.metrics.AddRun(ctx,
			int64(summary.Processed), int64(summary.Requeued),
			int64(summary.TerminalFailed), int64(summary.ClaimsLost),
			int64(summary.Errors),
		)
	}
	return summary, nil
}

// processOrder runs one order's due obligations sequentially, then
// re-evaluates the order's aggregate status.
func (d *Driver) processOrder(ctx context.Context, orderID string, obs []ledger.Obligation, tally *counters) {
	instrumentRef, err := d.orders.GetPaymentInstrument(ctx, orderID)
	if err != nil {
		// Infra failure on the collaborator: leave the whole order for
		// the next tick rather than burning attempts blind.
		d.logger.Error("failed to resolve payment instrument, skipping order this run",
			"order_id", orderID, "error", err)
		tally.add(func(c *counters) { c.errCount++ })
		return
	}

	touched := false
	for _, ob := range obs {
		resolved, err := d.processObligation(ctx, ob, instrumentRef, tally)
		if err != nil {
			d.logger.Error("obligation processing failed",
				"obligation_id", ob.ID, "order_id", orderID, "error", err)
			tally.add(func(c *counters) { c.errCount++ })
			continue
		}
		if resolved {
			touched = true
		}
	}
	if !touched {
		return
	}

	all, err := d.ledger.ListByOrder(ctx, orderID)
	if err != nil {
		d.logger.Error("failed to list order obligations for aggregation",
			"order_id", orderID, "error", err)
		tally.add(func(c *counters) { c.errCount++ })
		return
	}
	status := orders.Aggregate(all)
	if err := d.orders.UpdateOrderStatus(ctx, orderID, status); err != nil {
		d.logger.Error("failed to update order status",
			"order_id", orderID, "status", status, "error", err)
		tally.add(func(c *counters) { c.errCount++ })
	}
}

// processObligation claims, attempts, decides, and resolves one obligation.
// Reports whether this instance's resolution CAS succeeded, so callers can
// tell real work from lost races.
func (d *Driver) processObligation(ctx context.Context, ob ledger.Obligation, instrumentRef string, tally *counters) (bool, error) {
	claimed, ok, err := d.claims.Claim(ctx, ob)
	if err != nil {
		return false, err
	}
	if !ok {
		// Another worker holds it. Not an error.
		tally.add(func(c *counters) { c.claimsLost++ })
		return false, nil
	}

	rec, err := d.executor.Attempt(ctx, claimed, instrumentRef)
	if err != nil {
		if errors.Is(err, gateway.ErrClaimLost) {
			tally.add(func(c *counters) { c.claimsLost++ })
			return false, nil
		}
		return false, err
	}

	decision := retrypolicy.Decide(d.policy, claimed.ID, rec.Attempt, rec.Outcome.Kind, time.Now().UTC())
	return d.resolve(ctx, claimed, rec, decision, tally)
}

// resolve applies the policy decision through the ledger CAS. A failed CAS
// here means the claim timed out mid-attempt and another instance took
// over; that instance owns the resolution.
func (d *Driver) resolve(ctx context.Context, ob ledger.Obligation, rec gateway.AttemptRecord, decision retrypolicy.Decision, tally *counters) (bool, error) {
	token := ob.ClaimToken
	fields := ledger.TransitionFields{PriorClaimToken: &token}

	switch decision.Action {
	case retrypolicy.ActionProcessed:
		ok, err := d.ledger.Transition(ctx, ob.ID, ledger.StatusProcessing, ledger.StatusProcessed, fields)
		if err != nil {
			return false, err
		}
		if !ok {
			tally.add(func(c *counters) { c.claimsLost++ })
			return false, nil
		}
		tally.add(func(c *counters) { c.processed++ })
		return true, nil

	case retrypolicy.ActionRequeue:
		requeueAt := decision.RequeueAt
		fields.DueAt = &requeueAt
		ok, err := d.ledger.Transition(ctx, ob.ID, ledger.StatusProcessing, ledger.StatusScheduled, fields)
		if err != nil {
			return false, err
		}
		if !ok {
			tally.add(func(c *counters) { c.claimsLost++ })
			return false, nil
		}
		tally.add(func(c *counters) { c.requeued++ })
		return true, nil

	case retrypolicy.ActionTerminal:
		ok, err := d.ledger.Transition(ctx, ob.ID, ledger.StatusProcessing, ledger.StatusFailedTerminal, fields)
		if err != nil {
			return false, err
		}
		if !ok {
			tally.add(func(c *counters) { c.claimsLost++ })
			return false, nil
		}
		tally.add(func(c *counters) { c.terminal++ })
		// Exactly once: only the instance whose CAS closed the obligation
		// raises the pending task.
		task := orders.PaymentTask{
			ObligationID: ob.ID,
			OrderID:      ob.OrderID,
			CustomerID:   ob.CustomerID,
			Amount:       ob.Amount,
			Reason:       rec.Outcome.String(),
			RaisedAt:     time.Now().UTC(),
		}
		if err := d.tasks.RaisePaymentTask(ctx, task); err != nil {
			d.logger.Error("failed to raise pending payment task",
				"obligation_id", ob.ID, "error", err)
		}
		return true, nil

	default:
		return false, fmt.Errorf("scheduler: unknown decision %q for obligation %s", decision.Action, ob.ID)
	}
}
