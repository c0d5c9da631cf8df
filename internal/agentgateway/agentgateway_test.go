package agentgateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/envoyproxy/llmgw/internal/agentloop"
	"github.com/envoyproxy/llmgw/internal/dialect/openai"
	"github.com/envoyproxy/llmgw/internal/gatewaytypes"
	"github.com/envoyproxy/llmgw/internal/translate"
	"github.com/envoyproxy/llmgw/internal/upstream"
)

func TestGeneratorRoundTrips(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":"resp1","model":"gpt-4o","choices":[{"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`))
	}))
	defer backend.Close()

	candidate := gatewaytypes.BackendCandidate{Name: "primary", ProviderKind: gatewaytypes.ProviderOpenAI, BaseURL: backend.URL}
	gen := NewGenerator(upstream.NewClient(), openai.New(), candidate, nil)

	resp, err := gen.Generate(context.Background(), &translate.GenerateRequest{Model: "gpt-4o", Messages: []translate.Message{{Role: translate.RoleUser, Content: []translate.ContentPart{{Kind: translate.ContentText, Text: "hi"}}}}})
	require.NoError(t, err)
	require.Equal(t, translate.FinishStop, resp.FinishReason)
}

func TestGeneratorReturnsErrorOnNon2xx(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad"}`))
	}))
	defer backend.Close()

	candidate := gatewaytypes.BackendCandidate{Name: "primary", ProviderKind: gatewaytypes.ProviderOpenAI, BaseURL: backend.URL}
	gen := NewGenerator(upstream.NewClient(), openai.New(), candidate, nil)

	_, err := gen.Generate(context.Background(), &translate.GenerateRequest{Model: "gpt-4o"})
	require.Error(t, err)
}

func TestHTTPToolExecutorRunsRegisteredTool(t *testing.T) {
	tool := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"sum":3}`))
	}))
	defer tool.Close()

	exec := NewHTTPToolExecutor(nil, map[string]string{"add": tool.URL})
	result, err := exec.Execute(context.Background(), agentloop.ToolCall{Name: "add", ArgumentsJSON: `{"a":1,"b":2}`})
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Contains(t, result.ResultJSON, "sum")
}

func TestHTTPToolExecutorUnknownToolErrors(t *testing.T) {
	exec := NewHTTPToolExecutor(nil, map[string]string{})
	_, err := exec.Execute(context.Background(), agentloop.ToolCall{Name: "missing"})
	require.Error(t, err)
}
