package retrypolicy_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftwood-commerce/keel/pkg/gateway"
	"github.com/driftwood-commerce/keel/pkg/retrypolicy"
)

func testPolicy() retrypolicy.Policy {
	return retrypolicy.Policy{
		MaxAttempts: 3,
		BaseMs:      1000,
		MaxMs:       8000,
		MaxJitterMs: 500,
	}
}

func TestDecideSuccess(t *testing.T) {
	d := retrypolicy.Decide(testPolicy(), "ob-1", 1, gateway.OutcomeSuccess, time.Now())
	assert.Equal(t, retrypolicy.ActionProcessed, d.Action)
}

func TestDecideTerminalOutcome(t *testing.T) {
	d := retrypolicy.Decide(testPolicy(), "ob-1", 1, gateway.OutcomeTerminal, time.Now())
	assert.Equal(t, retrypolicy.ActionTerminal, d.Action)
}

func TestDecideRetryableRequeuesStrictlyForward(t *testing.T) {
	now := time.Now().UTC()
	d := retrypolicy.Decide(testPolicy(), "ob-1", 1, gateway.OutcomeRetryable, now)
	require.Equal(t, retrypolicy.ActionRequeue, d.Action)
	assert.True(t, d.RequeueAt.After(now), "requeue time must advance strictly past now")
}

func TestDecideExhaustedAttemptsForceTerminal(t *testing.T) {
	p := testPolicy()
	d := retrypolicy.Decide(p, "ob-1", p.MaxAttempts, gateway.OutcomeRetryable, time.Now())
	assert.Equal(t, retrypolicy.ActionTerminal, d.Action,
		"a retryable outcome past the attempt budget is terminal")
}

func TestBackoffDeterministic(t *testing.T) {
	p := testPolicy()
	assert.Equal(t, retrypolicy.Backoff(p, "ob-1", 2), retrypolicy.Backoff(p, "ob-1", 2))
	assert.NotEqual(t, retrypolicy.Backoff(p, "ob-1", 2), retrypolicy.Backoff(p, "ob-2", 2),
		"jitter should spread different obligations apart")
}

func TestValidatePolicy(t *testing.T) {
	cases := []struct {
		name string
		p    retrypolicy.Policy
	}{
		{"zero attempts", retrypolicy.Policy{MaxAttempts: 0, BaseMs: 1, MaxMs: 1}},
		{"zero base", retrypolicy.Policy{MaxAttempts: 1, BaseMs: 0, MaxMs: 1}},
		{"max below base", retrypolicy.Policy{MaxAttempts: 1, BaseMs: 10, MaxMs: 5}},
		{"jitter above base", retrypolicy.Policy{MaxAttempts: 1, BaseMs: 10, MaxMs: 20, MaxJitterMs: 11}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, tc.p.Validate())
		})
	}
	assert.NoError(t, retrypolicy.DefaultPolicy().Validate())
}

func TestLoadPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "retry.yaml")
	require.NoError(t, os.WriteFile(path, []byte("base_ms: 2000\nmax_ms: 60000\nmax_jitter_ms: 500\n"), 0o644))

	p, err := retrypolicy.LoadPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), p.BaseMs)
	assert.Equal(t, int64(60000), p.MaxMs)
	assert.Equal(t, int64(500), p.MaxJitterMs)
	// Unset fields keep defaults.
	assert.Equal(t, retrypolicy.DefaultPolicy().MaxAttempts, p.MaxAttempts)
}

func TestLoadPolicyRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "retry.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_attempts: 0\n"), 0o644))

	_, err := retrypolicy.LoadPolicy(path)
	require.Error(t, err)
}
