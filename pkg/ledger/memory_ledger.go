package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLedger is an in-memory implementation of Ledger with the same CAS
// semantics as SQLLedger. Used in tests and local development.
type MemoryLedger struct {
	mu          sync.Mutex
	obligations map[string]Obligation
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{obligations: make(map[string]Obligation)}
}

func (m *MemoryLedger) CreateObligations(ctx context.Context, orderID, customerID string, items []ObligationSpec) ([]Obligation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	created := make([]Obligation, 0, len(items))
	for _, item := range items {
		ob := Obligation{
			ID:          uuid.New().String(),
			OrderID:     orderID,
			CustomerID:  customerID,
			Amount:      item.Amount,
			Description: item.Description,
			DueAt:       item.DueAt,
			Status:      StatusScheduled,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		m.obligations[ob.ID] = ob
		created = append(created, ob)
	}
	return created, nil
}

func (m *MemoryLedger) FindDue(ctx context.Context, now, staleBefore time.Time, limit int) ([]Obligation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	due := make([]Obligation, 0)
	for _, ob := range m.obligations {
		scheduled := ob.Status == StatusScheduled && !ob.DueAt.After(now)
		abandoned := ob.Status == StatusProcessing && !ob.ClaimedAt.After(staleBefore)
		if scheduled || abandoned {
			due = append(due, ob)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].DueAt.Before(due[j].DueAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *MemoryLedger) Transition(ctx context.Context, id string, expected, next Status, fields TransitionFields) (bool, error) {
	if !ValidTransition(expected, next) {
		return false, &IllegalTransitionError{From: expected, To: next}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ob, ok := m.obligations[id]
	if !ok || ob.Status != expected {
		return false, nil
	}
	if fields.PriorClaimToken != nil && ob.ClaimToken != *fields.PriorClaimToken {
		return false, nil
	}
	if fields.PriorDueAt != nil && !ob.DueAt.Equal(*fields.PriorDueAt) {
		return false, nil
	}

	ob.Status = next
	ob.UpdatedAt = time.Now().UTC()
	if fields.DueAt != nil {
		ob.DueAt = *fields.DueAt
	}
	if fields.ClaimToken != nil {
		ob.ClaimToken = *fields.ClaimToken
	}
	if fields.ClaimedAt != nil {
		ob.ClaimedAt = *fields.ClaimedAt
	}
	if fields.IncrementAttempt {
		ob.AttemptCount++
	}
	if fields.LastOutcome != nil {
		ob.LastOutcome = *fields.LastOutcome
	}
	m.obligations[id] = ob
	return true, nil
}

func (m *MemoryLedger) Get(ctx context.Context, id string) (Obligation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ob, ok := m.obligations[id]; ok {
		return ob, nil
	}
	return Obligation{}, ErrNotFound
}

func (m *MemoryLedger) ListByOrder(ctx context.Context, orderID string) ([]Obligation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]Obligation, 0)
	for _, ob := range m.obligations {
		if ob.OrderID == orderID {
			result = append(result, ob)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].DueAt.Before(result[j].DueAt) })
	return result, nil
}
