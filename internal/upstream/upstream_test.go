package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/envoyproxy/llmgw/internal/attempt"
	"github.com/envoyproxy/llmgw/internal/backendauth"
	"github.com/envoyproxy/llmgw/internal/dialect/openai"
	"github.com/envoyproxy/llmgw/internal/gatewaytypes"
	"github.com/envoyproxy/llmgw/internal/translate"
)

type recordingAuth struct {
	applied bool
}

func (r *recordingAuth) Apply(_ context.Context, req *http.Request) error {
	r.applied = true
	req.Header.Set("Authorization", "Bearer test-key")
	return nil
}

func TestDispatchVerbatimForwardsBodyAndAppliesAuth(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"id":"resp1","model":"gpt-4o","choices":[{"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`))
	}))
	defer srv.Close()

	auth := &recordingAuth{}
	d := NewDispatcher(NewClient(), openai.New(), map[string]backendauth.Handler{"primary": auth})

	candidate := gatewaytypes.BackendCandidate{Name: "primary", ProviderKind: gatewaytypes.ProviderOpenAI, BaseURL: srv.URL}
	env := &gatewaytypes.Envelope{RequestID: "req_1", Model: "gpt-4o", RawBody: []byte(`{"model":"gpt-4o","messages":[]}`)}

	result := d.Dispatch(context.Background(), candidate, env)
	require.Equal(t, attempt.OutcomeSuccess, result.Outcome)
	require.Equal(t, 200, result.Response.Status)
	require.Contains(t, string(result.Response.Body), "resp1")
	require.Equal(t, int64(15), result.SpentTokens)
	require.True(t, auth.applied)
	require.Equal(t, "Bearer test-key", gotAuth)
}

func TestCostOfUsesLinearPricingByDefault(t *testing.T) {
	candidate := gatewaytypes.BackendCandidate{
		Name: "primary",
		PricingPerModel: map[string]gatewaytypes.Pricing{
			"gpt-4o": {InputUSDMicrosPerToken: 2, OutputUSDMicrosPerToken: 4},
		},
	}
	got := costOf(candidate, "gpt-4o", translate.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15})
	require.Equal(t, int64(10*2+5*4), got)
}

func TestCostOfEvaluatesCostExprWhenSet(t *testing.T) {
	candidate := gatewaytypes.BackendCandidate{
		Name: "primary",
		PricingPerModel: map[string]gatewaytypes.Pricing{
			"gpt-4o": {CostExpr: "total_tokens * uint(100)"},
		},
	}
	got := costOf(candidate, "gpt-4o", translate.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15})
	require.Equal(t, int64(1500), got)
}

func TestCostOfFallsBackToLinearOnInvalidExpr(t *testing.T) {
	candidate := gatewaytypes.BackendCandidate{
		Name: "primary",
		PricingPerModel: map[string]gatewaytypes.Pricing{
			"gpt-4o": {InputUSDMicrosPerToken: 1, CostExpr: "not a valid expr +"},
		},
	}
	got := costOf(candidate, "gpt-4o", translate.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15})
	require.Equal(t, int64(10), got)
}

func TestDispatchTranslatesAcrossDialects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Contains(t, r.URL.Path, "/v1/messages")
		w.Write([]byte(`{"id":"msg1","model":"claude-3","content":[{"type":"text","text":"hi there"}],"stop_reason":"end_turn","usage":{"input_tokens":8,"output_tokens":3}}`))
	}))
	defer srv.Close()

	d := NewDispatcher(NewClient(), openai.New(), nil)
	candidate := gatewaytypes.BackendCandidate{
		Name: "claude", ProviderKind: gatewaytypes.ProviderAnthropic, BaseURL: srv.URL, TranslationBackend: true,
	}
	env := &gatewaytypes.Envelope{RequestID: "req_2", Model: "claude-3", RawBody: []byte(`{"model":"claude-3","messages":[{"role":"user","content":"hello"}]}`)}

	result := d.Dispatch(context.Background(), candidate, env)
	require.Equal(t, attempt.OutcomeSuccess, result.Outcome)
	require.Equal(t, int64(11), result.SpentTokens)
	require.Contains(t, string(result.Response.Body), "chat.completion")
}

func TestDispatchClassifies5xxAsContinue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := NewDispatcher(NewClient(), openai.New(), nil)
	candidate := gatewaytypes.BackendCandidate{Name: "primary", ProviderKind: gatewaytypes.ProviderOpenAI, BaseURL: srv.URL}
	env := &gatewaytypes.Envelope{RequestID: "req_3", Model: "gpt-4o", RawBody: []byte(`{}`)}

	result := d.Dispatch(context.Background(), candidate, env)
	require.Equal(t, attempt.OutcomeContinue, result.Outcome)
	require.Error(t, result.Err)
}

func TestDispatchClassifies4xxAsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer srv.Close()

	d := NewDispatcher(NewClient(), openai.New(), nil)
	candidate := gatewaytypes.BackendCandidate{Name: "primary", ProviderKind: gatewaytypes.ProviderOpenAI, BaseURL: srv.URL}
	env := &gatewaytypes.Envelope{RequestID: "req_4", Model: "gpt-4o", RawBody: []byte(`{}`)}

	result := d.Dispatch(context.Background(), candidate, env)
	require.Equal(t, attempt.OutcomeTerminal, result.Outcome)
	require.Error(t, result.Err)
}

func TestDispatchUnreachableBackendIsContinue(t *testing.T) {
	d := NewDispatcher(NewClient(), openai.New(), nil)
	candidate := gatewaytypes.BackendCandidate{Name: "primary", ProviderKind: gatewaytypes.ProviderOpenAI, BaseURL: "http://127.0.0.1:1"}
	env := &gatewaytypes.Envelope{RequestID: "req_5", Model: "gpt-4o", RawBody: []byte(`{}`)}

	result := d.Dispatch(context.Background(), candidate, env)
	require.Equal(t, attempt.OutcomeContinue, result.Outcome)
}

func TestDispatchUnknownBackendDialectIsTerminal(t *testing.T) {
	d := NewDispatcher(NewClient(), openai.New(), nil)
	candidate := gatewaytypes.BackendCandidate{Name: "weird", ProviderKind: "nonexistent", BaseURL: "http://example.invalid", TranslationBackend: true}
	env := &gatewaytypes.Envelope{RequestID: "req_6", Model: "m", RawBody: []byte(`{}`)}

	result := d.Dispatch(context.Background(), candidate, env)
	require.Equal(t, attempt.OutcomeTerminal, result.Outcome)
}
