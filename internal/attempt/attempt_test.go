package attempt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/envoyproxy/llmgw/internal/budget"
	"github.com/envoyproxy/llmgw/internal/concurrency"
	"github.com/envoyproxy/llmgw/internal/gatewayerr"
	"github.com/envoyproxy/llmgw/internal/gatewaytypes"
	"github.com/envoyproxy/llmgw/internal/health"
)

// TestMain checks that a permit wait's timer goroutine, and any candidate
// walk that times out or aborts mid-wait, never leaks a goroutine past the
// package's tests.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type scriptedDispatcher struct {
	results map[string]Result
	calls   []string
}

func (s *scriptedDispatcher) Dispatch(_ context.Context, candidate gatewaytypes.BackendCandidate, _ *gatewaytypes.Envelope) Result {
	s.calls = append(s.calls, candidate.Name)
	return s.results[candidate.Name]
}

func testAC(candidates ...gatewaytypes.BackendCandidate) *gatewaytypes.AdmissionContext {
	scope := gatewaytypes.Scope("key:k1")
	return &gatewaytypes.AdmissionContext{
		VirtualKeyID:       "k1",
		Candidates:         candidates,
		BudgetsByScope:     map[gatewaytypes.Scope]*gatewaytypes.Budget{scope: {TotalTokens: 100}},
		TokenReservationIDs: map[gatewaytypes.Scope]string{scope: ""},
		CostReservationIDs:  map[gatewaytypes.Scope]string{},
	}
}

func TestEngineFallsOverToNextCandidate(t *testing.T) {
	ledger := budget.NewLedger()
	scope := gatewaytypes.Scope("key:k1")
	ledger.ReserveTokens(scope, 100)

	e := New(health.NewRegistry(5, time.Minute), ledger, nil, nil)
	d := &scriptedDispatcher{results: map[string]Result{
		"primary":  {Outcome: OutcomeContinue, Err: gatewayerr.BackendUnavailable("timeout")},
		"fallback": {Outcome: OutcomeSuccess, Response: &Response{Status: 200}, SpentTokens: 42},
	}}

	ac := testAC(gatewaytypes.BackendCandidate{Name: "primary"}, gatewaytypes.BackendCandidate{Name: "fallback"})
	env := &gatewaytypes.Envelope{RequestID: "r1", InputTokensEstimate: 50, MaxOutputTokens: 50}

	resp, audit, err := e.Run(context.Background(), ac, env, d)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, []string{"primary", "fallback"}, d.calls)
	assert.Equal(t, "fallback", audit.ChosenBackend)
	assert.Equal(t, int64(42), audit.SpentTokens)

	snap := ledger.Snapshot(scope)
	assert.Equal(t, int64(0), snap.ReservedTokens)
	assert.Equal(t, int64(42), snap.CommittedTokens)
}

func TestEngineStopsOnTerminalError(t *testing.T) {
	ledger := budget.NewLedger()
	scope := gatewaytypes.Scope("key:k1")
	ledger.ReserveTokens(scope, 100)

	e := New(health.NewRegistry(5, time.Minute), ledger, nil, nil)
	d := &scriptedDispatcher{results: map[string]Result{
		"primary":  {Outcome: OutcomeTerminal, Err: gatewayerr.InvalidRequest("bad_request", "malformed body")},
		"fallback": {Outcome: OutcomeSuccess, Response: &Response{Status: 200}},
	}}

	ac := testAC(gatewaytypes.BackendCandidate{Name: "primary"}, gatewaytypes.BackendCandidate{Name: "fallback"})
	env := &gatewaytypes.Envelope{RequestID: "r1"}

	_, _, err := e.Run(context.Background(), ac, env, d)
	require.Error(t, err)
	assert.Equal(t, []string{"primary"}, d.calls)

	snap := ledger.Snapshot(scope)
	assert.Equal(t, int64(0), snap.ReservedTokens)
	assert.Equal(t, int64(0), snap.CommittedTokens)
}

func TestEngineRefundsWhenAllCandidatesFail(t *testing.T) {
	ledger := budget.NewLedger()
	scope := gatewaytypes.Scope("key:k1")
	ledger.ReserveTokens(scope, 100)

	e := New(health.NewRegistry(5, time.Minute), ledger, nil, nil)
	d := &scriptedDispatcher{results: map[string]Result{
		"primary": {Outcome: OutcomeContinue, Err: gatewayerr.BackendUnavailable("timeout")},
	}}

	ac := testAC(gatewaytypes.BackendCandidate{Name: "primary"})
	env := &gatewaytypes.Envelope{RequestID: "r1"}

	_, audit, err := e.Run(context.Background(), ac, env, d)
	require.Error(t, err)
	assert.True(t, audit.Status >= 500)

	snap := ledger.Snapshot(scope)
	assert.Equal(t, int64(0), snap.ReservedTokens)
}

func TestEngineMarksBackendTrippedAfterThreshold(t *testing.T) {
	ledger := budget.NewLedger()
	registry := health.NewRegistry(2, time.Minute)
	e := New(registry, ledger, nil, nil)
	d := &scriptedDispatcher{results: map[string]Result{
		"primary": {Outcome: OutcomeContinue, Err: gatewayerr.BackendUnavailable("timeout")},
	}}

	ac := testAC(gatewaytypes.BackendCandidate{Name: "primary"})
	env := &gatewaytypes.Envelope{RequestID: "r1"}

	_, _, _ = e.Run(context.Background(), ac, env, d)
	_, _, _ = e.Run(context.Background(), ac, env, d)

	assert.Equal(t, gatewaytypes.HealthTripped, registry.Get("primary").State())
}

func TestEngineContinuesPastBackendAtPermitCap(t *testing.T) {
	ledger := budget.NewLedger()
	scope := gatewaytypes.Scope("key:k1")
	ledger.ReserveTokens(scope, 100)

	e := New(health.NewRegistry(5, time.Minute), ledger, nil, nil)
	// Occupy primary's one permit for the duration of the test so the
	// engine's own acquire attempt cannot succeed.
	release, outcome := e.Permits.Acquire(context.Background(), "primary", 1, time.Hour)
	require.Equal(t, concurrency.Acquired, outcome)
	defer release()

	d := &scriptedDispatcher{results: map[string]Result{
		"fallback": {Outcome: OutcomeSuccess, Response: &Response{Status: 200}, SpentTokens: 42},
	}}

	ac := testAC(
		gatewaytypes.BackendCandidate{Name: "primary", MaxInFlight: 1, PermitWaitBudget: 10 * time.Millisecond},
		gatewaytypes.BackendCandidate{Name: "fallback"},
	)
	env := &gatewaytypes.Envelope{RequestID: "r1", InputTokensEstimate: 50, MaxOutputTokens: 50}

	resp, audit, err := e.Run(context.Background(), ac, env, d)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "fallback", audit.ChosenBackend)
	assert.False(t, audit.Cancelled, "a timed-out permit wait is BackendRateLimited, not a cancelled request")
	assert.Equal(t, []string{"fallback"}, d.calls, "primary should never reach Dispatch once its permit wait budget expires")
}

func TestEngineAbortsWhenClientDisconnectsDuringPermitWait(t *testing.T) {
	ledger := budget.NewLedger()
	scope := gatewaytypes.Scope("key:k1")
	ledger.ReserveTokens(scope, 100)

	e := New(health.NewRegistry(5, time.Minute), ledger, nil, nil)
	release, outcome := e.Permits.Acquire(context.Background(), "primary", 1, time.Hour)
	require.Equal(t, concurrency.Acquired, outcome)
	defer release()

	d := &scriptedDispatcher{}
	ac := testAC(gatewaytypes.BackendCandidate{Name: "primary", MaxInFlight: 1, PermitWaitBudget: time.Hour})
	env := &gatewaytypes.Envelope{RequestID: "r1"}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, audit, err := e.Run(ctx, ac, env, d)
	require.Error(t, err)
	assert.True(t, audit.Cancelled)
	assert.Empty(t, d.calls)

	snap := ledger.Snapshot(scope)
	assert.Equal(t, int64(0), snap.ReservedTokens)
}
