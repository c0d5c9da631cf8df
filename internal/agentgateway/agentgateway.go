// Package agentgateway wires internal/agentloop.Agent against the rest of
// the gateway: a Generator that renders/dispatches one backend turn over
// real net/http using a configured backend's dialect and credentials, and
// a ToolExecutor that runs a tool call against an HTTP endpoint named in
// configuration.
//
// Grounded on internal/upstream.Dispatcher's request/response shape
// (render via the dialect, apply backendauth, round-trip over
// upstream.Client) generalized here to the narrower agentloop.Generator
// contract, since the agent loop operates purely in the neutral
// translate.GenerateRequest/Response model rather than raw client bytes.
package agentgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/envoyproxy/llmgw/internal/agentloop"
	"github.com/envoyproxy/llmgw/internal/backendauth"
	"github.com/envoyproxy/llmgw/internal/dialectregistry"
	"github.com/envoyproxy/llmgw/internal/gatewaytypes"
	"github.com/envoyproxy/llmgw/internal/translate"
	"github.com/envoyproxy/llmgw/internal/upstream"
)

// Generator dispatches one agent-loop turn against a single configured
// backend candidate, translating through its dialect.
type Generator struct {
	Client    *upstream.Client
	Dialect   translate.Dialect
	Candidate gatewaytypes.BackendCandidate
	Auth      backendauth.Handler
}

// NewGenerator builds a Generator. auth may be nil, in which case no
// outbound credential is applied.
func NewGenerator(client *upstream.Client, dialect translate.Dialect, candidate gatewaytypes.BackendCandidate, auth backendauth.Handler) *Generator {
	return &Generator{Client: client, Dialect: dialect, Candidate: candidate, Auth: auth}
}

// Generate satisfies agentloop.Generator: render req in the backend's wire
// shape, send it, and parse the response back into the neutral model.
func (g *Generator) Generate(ctx context.Context, req *translate.GenerateRequest) (*translate.GenerateResponse, error) {
	body, err := g.Dialect.RenderRequest(req)
	if err != nil {
		return nil, fmt.Errorf("agentgateway: render request: %w", err)
	}

	path := g.Candidate.EndpointPath
	if path == "" {
		path = dialectregistry.DefaultEndpointPath(g.Candidate.ProviderKind, req.Model)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.Candidate.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("agentgateway: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.Auth != nil {
		if err := g.Auth.Apply(ctx, httpReq); err != nil {
			return nil, fmt.Errorf("agentgateway: apply credentials: %w", err)
		}
	}

	resp, err := g.Client.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("agentgateway: dispatch: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("agentgateway: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("agentgateway: backend %s returned status %d: %s", g.Candidate.Name, resp.StatusCode, respBody)
	}

	parsed, err := g.Dialect.ParseResponse(respBody)
	if err != nil {
		return nil, fmt.Errorf("agentgateway: parse response: %w", err)
	}
	return parsed, nil
}

// HTTPToolExecutor runs a tool call by POSTing its arguments JSON to the
// endpoint registered under the call's name and treating the response
// body as the result JSON.
type HTTPToolExecutor struct {
	Client    *http.Client
	Endpoints map[string]string
}

// NewHTTPToolExecutor builds an HTTPToolExecutor. A nil client defaults to
// http.DefaultClient.
func NewHTTPToolExecutor(client *http.Client, endpoints map[string]string) *HTTPToolExecutor {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPToolExecutor{Client: client, Endpoints: endpoints}
}

// Execute satisfies agentloop.ToolExecutor.
func (e *HTTPToolExecutor) Execute(ctx context.Context, call agentloop.ToolCall) (agentloop.ToolResult, error) {
	endpoint, ok := e.Endpoints[call.Name]
	if !ok {
		return agentloop.ToolResult{}, fmt.Errorf("agentgateway: no endpoint registered for tool %q", call.Name)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader([]byte(call.ArgumentsJSON)))
	if err != nil {
		return agentloop.ToolResult{}, fmt.Errorf("agentgateway: build tool request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.Client.Do(req)
	if err != nil {
		return agentloop.ToolResult{}, fmt.Errorf("agentgateway: tool call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return agentloop.ToolResult{}, fmt.Errorf("agentgateway: read tool response: %w", err)
	}
	if !json.Valid(body) {
		body, _ = json.Marshal(string(body))
	}
	return agentloop.ToolResult{ResultJSON: string(body), IsError: resp.StatusCode >= 300}, nil
}
