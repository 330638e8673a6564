package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftwood-commerce/keel/pkg/finance"
	"github.com/driftwood-commerce/keel/pkg/ledger"
)

func newTestLedger(t *testing.T, due ...time.Time) (*ledger.MemoryLedger, []ledger.Obligation) {
	t.Helper()
	l := ledger.NewMemoryLedger()
	specs := make([]ledger.ObligationSpec, 0, len(due))
	for _, d := range due {
		specs = append(specs, ledger.ObligationSpec{
			Amount: finance.MustMoney(5000, "USD"),
			DueAt:  d,
		})
	}
	obs, err := l.CreateObligations(context.Background(), "order-1", "cust-1", specs)
	require.NoError(t, err)
	return l, obs
}

func TestCreateObligationsStartScheduled(t *testing.T) {
	_, obs := newTestLedger(t, time.Now(), time.Now())
	require.Len(t, obs, 2)
	for _, ob := range obs {
		assert.Equal(t, ledger.StatusScheduled, ob.Status)
		assert.Equal(t, 0, ob.AttemptCount)
		assert.NotEmpty(t, ob.ID)
		assert.Equal(t, "order-1", ob.OrderID)
	}
}

func TestFindDueOrderingAndLimit(t *testing.T) {
	now := time.Now().UTC()
	l, obs := newTestLedger(t, now.Add(-time.Hour), now.Add(-2*time.Hour), now.Add(time.Hour))

	due, err := l.FindDue(context.Background(), now, now.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 2, "the future obligation must not surface")
	assert.Equal(t, obs[1].ID, due[0].ID, "oldest due_at first")
	assert.Equal(t, obs[0].ID, due[1].ID)

	due, err = l.FindDue(context.Background(), now, now.Add(-time.Minute), 1)
	require.NoError(t, err)
	require.Len(t, due, 1)
}

func TestFindDueSurfacesAbandonedClaims(t *testing.T) {
	now := time.Now().UTC()
	l, obs := newTestLedger(t, now.Add(-time.Hour))

	token := "tok-1"
	staleAt := now.Add(-30 * time.Minute)
	ok, err := l.Transition(context.Background(), obs[0].ID, ledger.StatusScheduled, ledger.StatusProcessing, ledger.TransitionFields{
		ClaimToken: &token,
		ClaimedAt:  &staleAt,
	})
	require.NoError(t, err)
	require.True(t, ok)

	// Fresh claim window: nothing to do.
	due, err := l.FindDue(context.Background(), now, now.Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	// Claim older than the timeout cutoff: reclaimable.
	due, err = l.FindDue(context.Background(), now, now.Add(-15*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, ledger.StatusProcessing, due[0].Status)
}

func TestTransitionCAS(t *testing.T) {
	now := time.Now().UTC()
	l, obs := newTestLedger(t, now)
	ctx := context.Background()
	id := obs[0].ID

	token := "tok-1"
	ok, err := l.Transition(ctx, id, ledger.StatusScheduled, ledger.StatusProcessing, ledger.TransitionFields{
		ClaimToken: &token,
		ClaimedAt:  &now,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	// Second claim against the same row loses silently.
	other := "tok-2"
	ok, err = l.Transition(ctx, id, ledger.StatusScheduled, ledger.StatusProcessing, ledger.TransitionFields{
		ClaimToken: &other,
	})
	require.NoError(t, err)
	assert.False(t, ok, "a lost CAS race returns false, not an error")

	// Guarded by the wrong prior token: no effect.
	wrong := "tok-wrong"
	ok, err = l.Transition(ctx, id, ledger.StatusProcessing, ledger.StatusProcessed, ledger.TransitionFields{
		PriorClaimToken: &wrong,
	})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.Transition(ctx, id, ledger.StatusProcessing, ledger.StatusProcessed, ledger.TransitionFields{
		PriorClaimToken: &token,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := l.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusProcessed, got.Status)
}

// The attempt counter increments relative to the stored row, so a caller
// holding a stale snapshot can never move it backwards.
func TestTransitionIncrementsAttemptRelatively(t *testing.T) {
	now := time.Now().UTC()
	l, obs := newTestLedger(t, now)
	ctx := context.Background()
	id := obs[0].ID

	token := "tok-1"
	ok, err := l.Transition(ctx, id, ledger.StatusScheduled, ledger.StatusProcessing, ledger.TransitionFields{
		ClaimToken: &token,
		ClaimedAt:  &now,
	})
	require.NoError(t, err)
	require.True(t, ok)

	for i := 1; i <= 3; i++ {
		ok, err = l.Transition(ctx, id, ledger.StatusProcessing, ledger.StatusProcessing, ledger.TransitionFields{
			IncrementAttempt: true,
			PriorClaimToken:  &token,
		})
		require.NoError(t, err)
		require.True(t, ok)

		got, err := l.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, i, got.AttemptCount)
	}
}

func TestTransitionPriorDueAtGuard(t *testing.T) {
	now := time.Now().UTC()
	l, obs := newTestLedger(t, now.Add(-time.Hour))
	ctx := context.Background()
	id := obs[0].ID
	originalDue := obs[0].DueAt

	// Requeue cycle moves due_at forward.
	token := "tok-1"
	ok, err := l.Transition(ctx, id, ledger.StatusScheduled, ledger.StatusProcessing, ledger.TransitionFields{
		ClaimToken: &token,
		ClaimedAt:  &now,
	})
	require.NoError(t, err)
	require.True(t, ok)
	future := now.Add(30 * time.Minute)
	ok, err = l.Transition(ctx, id, ledger.StatusProcessing, ledger.StatusScheduled, ledger.TransitionFields{
		DueAt:           &future,
		PriorClaimToken: &token,
	})
	require.NoError(t, err)
	require.True(t, ok)

	// A claim guarded on the pre-requeue due_at targets a row that no
	// longer exists: it must lose.
	other := "tok-2"
	ok, err = l.Transition(ctx, id, ledger.StatusScheduled, ledger.StatusProcessing, ledger.TransitionFields{
		ClaimToken: &other,
		ClaimedAt:  &now,
		PriorDueAt: &originalDue,
	})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.Transition(ctx, id, ledger.StatusScheduled, ledger.StatusProcessing, ledger.TransitionFields{
		ClaimToken: &other,
		ClaimedAt:  &now,
		PriorDueAt: &future,
	})
	require.NoError(t, err)
	assert.True(t, ok, "the current incarnation is still claimable")
}

func TestTransitionRejectsIllegalEdges(t *testing.T) {
	now := time.Now().UTC()
	l, obs := newTestLedger(t, now)

	// SCHEDULED may not jump straight to a terminal state.
	_, err := l.Transition(context.Background(), obs[0].ID, ledger.StatusScheduled, ledger.StatusProcessed, ledger.TransitionFields{})
	var ite *ledger.IllegalTransitionError
	require.ErrorAs(t, err, &ite)
}

func TestGetNotFound(t *testing.T) {
	l := ledger.NewMemoryLedger()
	_, err := l.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestListByOrder(t *testing.T) {
	now := time.Now().UTC()
	l, _ := newTestLedger(t, now.Add(2*time.Hour), now.Add(time.Hour))
	_, err := l.CreateObligations(context.Background(), "order-2", "cust-2", []ledger.ObligationSpec{
		{Amount: finance.MustMoney(100, "USD"), DueAt: now},
	})
	require.NoError(t, err)

	obs, err := l.ListByOrder(context.Background(), "order-1")
	require.NoError(t, err)
	require.Len(t, obs, 2)
	assert.True(t, obs[0].DueAt.Before(obs[1].DueAt))
}
