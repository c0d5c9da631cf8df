package admission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/envoyproxy/llmgw/internal/budget"
	"github.com/envoyproxy/llmgw/internal/gatewaytypes"
	"github.com/envoyproxy/llmgw/internal/health"
	"github.com/envoyproxy/llmgw/internal/ratewindow"
	"github.com/envoyproxy/llmgw/internal/router"
)

type fakeKeyStore struct {
	byToken map[string]*gatewaytypes.VirtualKey
}

func (f *fakeKeyStore) Lookup(token string) (*gatewaytypes.VirtualKey, bool) {
	k, ok := f.byToken[token]
	return k, ok
}

func newTestController(key *gatewaytypes.VirtualKey, candidate gatewaytypes.BackendCandidate) *Controller {
	keys := &fakeKeyStore{byToken: map[string]*gatewaytypes.VirtualKey{key.Token: key}}
	rules := []router.Rule{{Kind: router.RuleSingle, Single: candidate}}
	r := router.New(rules, nil, health.NewRegistry(5, time.Minute))
	return New(keys, ratewindow.New(), budget.NewLedger(), r, nil, nil, nil)
}

func testEnvelope(token string) *gatewaytypes.Envelope {
	return &gatewaytypes.Envelope{
		RequestID:           "req-1",
		Method:              "POST",
		PathAndQuery:        "/v1/chat/completions",
		Model:               "gpt-4o",
		InputTokensEstimate: 10,
		MaxOutputTokens:     10,
		Headers:             map[string]string{"Authorization": "Bearer " + token},
	}
}

func TestAdmitAcceptsValidKey(t *testing.T) {
	key := &gatewaytypes.VirtualKey{ID: "k1", Token: "tok", Enabled: true, Limits: gatewaytypes.Limits{RequestsPerMinute: 10, TokensPerMinute: 1000}}
	candidate := gatewaytypes.BackendCandidate{Name: "primary", ProviderKind: gatewaytypes.ProviderOpenAI}
	c := newTestController(key, candidate)

	ac, err := c.Admit(context.Background(), testEnvelope("tok"))
	require.NoError(t, err)
	assert.Equal(t, "k1", ac.VirtualKeyID)
	require.Len(t, ac.Candidates, 1)
	assert.Equal(t, "primary", ac.Candidates[0].Name)
}

func TestAdmitRejectsMissingToken(t *testing.T) {
	key := &gatewaytypes.VirtualKey{ID: "k1", Token: "tok", Enabled: true}
	c := newTestController(key, gatewaytypes.BackendCandidate{Name: "primary"})

	env := testEnvelope("tok")
	env.Headers = nil
	_, err := c.Admit(context.Background(), env)
	require.Error(t, err)
}

func TestAdmitRejectsDisabledKey(t *testing.T) {
	key := &gatewaytypes.VirtualKey{ID: "k1", Token: "tok", Enabled: false}
	c := newTestController(key, gatewaytypes.BackendCandidate{Name: "primary"})

	_, err := c.Admit(context.Background(), testEnvelope("tok"))
	require.Error(t, err)
}

func TestAdmitEnforcesRequestRateLimit(t *testing.T) {
	key := &gatewaytypes.VirtualKey{ID: "k1", Token: "tok", Enabled: true, Limits: gatewaytypes.Limits{RequestsPerMinute: 1, TokensPerMinute: 100000}}
	c := newTestController(key, gatewaytypes.BackendCandidate{Name: "primary"})

	_, err := c.Admit(context.Background(), testEnvelope("tok"))
	require.NoError(t, err)

	_, err = c.Admit(context.Background(), testEnvelope("tok"))
	require.Error(t, err)
}

func TestAdmitEnforcesTokenBudget(t *testing.T) {
	key := &gatewaytypes.VirtualKey{
		ID: "k1", Token: "tok", Enabled: true,
		Limits: gatewaytypes.Limits{RequestsPerMinute: 100, TokensPerMinute: 100000},
		Budget: gatewaytypes.Budget{TotalTokens: 15},
	}
	c := newTestController(key, gatewaytypes.BackendCandidate{Name: "primary"})

	_, err := c.Admit(context.Background(), testEnvelope("tok"))
	require.Error(t, err)
	var gwErr interface{ HTTPStatus() int }
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, 402, gwErr.HTTPStatus())
}

func TestAdmitRejectsUnsupportedEndpointUnderCostBudget(t *testing.T) {
	costCeiling := int64(1000)
	key := &gatewaytypes.VirtualKey{
		ID: "k1", Token: "tok", Enabled: true,
		Limits: gatewaytypes.Limits{RequestsPerMinute: 100, TokensPerMinute: 100000},
		Budget: gatewaytypes.Budget{TotalTokens: 100000, TotalUSDMicros: &costCeiling},
	}
	c := newTestController(key, gatewaytypes.BackendCandidate{Name: "primary"})

	env := testEnvelope("tok")
	env.PathAndQuery = "/v1/audio/speech"
	_, err := c.Admit(context.Background(), env)
	require.Error(t, err)
}

func TestAdmitChecksRateLimitBeforeGuardrails(t *testing.T) {
	// A key that is both rate-limited and would fail guardrails (denied
	// model) must be rejected for the rate limit, since spec.md §4.1 runs
	// rate limits (step 3) before guardrails (step 4).
	key := &gatewaytypes.VirtualKey{
		ID: "k1", Token: "tok", Enabled: true,
		Limits:     gatewaytypes.Limits{RequestsPerMinute: 1, TokensPerMinute: 100000},
		Guardrails: &gatewaytypes.Guardrails{DeniedModels: []string{"gpt-4o"}},
	}
	c := newTestController(key, gatewaytypes.BackendCandidate{Name: "primary"})

	_, err := c.Admit(context.Background(), testEnvelope("tok"))
	require.Error(t, err) // first request: denied by guardrails.
	var gwErr interface{ HTTPStatus() int }
	require.ErrorAs(t, err, &gwErr)
	policyStatus := gwErr.HTTPStatus()

	_, err = c.Admit(context.Background(), testEnvelope("tok"))
	require.Error(t, err)
	require.ErrorAs(t, err, &gwErr)
	assert.NotEqual(t, policyStatus, gwErr.HTTPStatus(), "second request should fail on rate limit, not the guardrail violation")
	assert.Equal(t, 429, gwErr.HTTPStatus())
}

func TestAdmitRejectsNoMatchingBackend(t *testing.T) {
	key := &gatewaytypes.VirtualKey{ID: "k1", Token: "tok", Enabled: true, Limits: gatewaytypes.Limits{RequestsPerMinute: 10, TokensPerMinute: 1000}}
	keys := &fakeKeyStore{byToken: map[string]*gatewaytypes.VirtualKey{"tok": key}}
	rules := []router.Rule{{Models: []string{"only-this-model"}, Kind: router.RuleSingle, Single: gatewaytypes.BackendCandidate{Name: "primary"}}}
	r := router.New(rules, nil, health.NewRegistry(5, time.Minute))
	c := New(keys, ratewindow.New(), budget.NewLedger(), r, nil, nil, nil)

	_, err := c.Admit(context.Background(), testEnvelope("tok"))
	require.Error(t, err)
}
