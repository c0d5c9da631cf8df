package agentloop

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/envoyproxy/llmgw/internal/translate"
)

type scriptedGenerator struct {
	responses []*translate.GenerateResponse
	calls     int
}

func (g *scriptedGenerator) Generate(_ context.Context, _ *translate.GenerateRequest) (*translate.GenerateResponse, error) {
	resp := g.responses[g.calls]
	g.calls++
	return resp, nil
}

type echoExecutor struct{ executed []ToolCall }

func (e *echoExecutor) Execute(_ context.Context, call ToolCall) (ToolResult, error) {
	e.executed = append(e.executed, call)
	return ToolResult{ResultJSON: `{"ok":true}`}, nil
}

func TestRunStopsOnNonToolCallsFinishReason(t *testing.T) {
	gen := &scriptedGenerator{responses: []*translate.GenerateResponse{
		{FinishReason: translate.FinishStop, Message: translate.Message{Role: translate.RoleAssistant, Content: []translate.ContentPart{{Kind: translate.ContentText, Text: "done"}}}},
	}}
	agent := New(gen, &echoExecutor{}, 5)

	outcome, err := agent.Run(t.Context(), &translate.GenerateRequest{Messages: []translate.Message{{Role: translate.RoleUser}}})
	require.NoError(t, err)
	require.Equal(t, StopFinishReason, outcome.StopReason)
	require.Equal(t, 1, outcome.Iterations)
	require.Equal(t, 1, gen.calls)
}

func TestRunExecutesToolCallsAndLoopsUntilFinish(t *testing.T) {
	gen := &scriptedGenerator{responses: []*translate.GenerateResponse{
		{FinishReason: translate.FinishToolCalls, Message: translate.Message{Role: translate.RoleAssistant, Content: []translate.ContentPart{
			{Kind: translate.ContentToolCall, ToolCallID: "call-1", ToolName: "get_weather", ToolArgumentsJSON: `{"city":"sf"}`},
		}}},
		{FinishReason: translate.FinishStop, Message: translate.Message{Role: translate.RoleAssistant, Content: []translate.ContentPart{{Kind: translate.ContentText, Text: "it is sunny"}}}},
	}}
	exec := &echoExecutor{}
	agent := New(gen, exec, 5)

	outcome, err := agent.Run(t.Context(), &translate.GenerateRequest{Messages: []translate.Message{{Role: translate.RoleUser}}})
	require.NoError(t, err)
	require.Equal(t, StopFinishReason, outcome.StopReason)
	require.Equal(t, 2, outcome.Iterations)
	require.Len(t, exec.executed, 1)
	require.Equal(t, "get_weather", exec.executed[0].Name)

	// tool result message must appear between the two assistant turns.
	require.Len(t, outcome.Messages, 4)
	require.Equal(t, translate.RoleTool, outcome.Messages[2].Role)
	require.Equal(t, `{"ok":true}`, outcome.Messages[2].Content[0].ToolResultJSON)
}

func TestRunStopsAtMaxIterationsWhenModelKeepsCallingTools(t *testing.T) {
	loopingResponse := &translate.GenerateResponse{FinishReason: translate.FinishToolCalls, Message: translate.Message{Role: translate.RoleAssistant, Content: []translate.ContentPart{
		{Kind: translate.ContentToolCall, ToolCallID: "call-x", ToolName: "noop"},
	}}}
	gen := &scriptedGenerator{responses: []*translate.GenerateResponse{loopingResponse, loopingResponse, loopingResponse}}
	agent := New(gen, &echoExecutor{}, 3)

	outcome, err := agent.Run(t.Context(), &translate.GenerateRequest{Messages: []translate.Message{{Role: translate.RoleUser}}})
	require.NoError(t, err)
	require.Equal(t, StopMaxIterations, outcome.StopReason)
	require.Equal(t, 3, outcome.Iterations)
}

func TestRunReportsNoToolCallsWhenFinishReasonLiesAboutContent(t *testing.T) {
	gen := &scriptedGenerator{responses: []*translate.GenerateResponse{
		{FinishReason: translate.FinishToolCalls, Message: translate.Message{Role: translate.RoleAssistant, Content: []translate.ContentPart{{Kind: translate.ContentText, Text: "oops"}}}},
	}}
	agent := New(gen, &echoExecutor{}, 5)

	outcome, err := agent.Run(t.Context(), &translate.GenerateRequest{Messages: []translate.Message{{Role: translate.RoleUser}}})
	require.NoError(t, err)
	require.Equal(t, StopNoToolCalls, outcome.StopReason)
}

type failingExecutor struct{}

func (failingExecutor) Execute(_ context.Context, _ ToolCall) (ToolResult, error) {
	return ToolResult{}, errors.New("tool unavailable")
}

func TestRunRecordsExecutorErrorAsToolResultError(t *testing.T) {
	gen := &scriptedGenerator{responses: []*translate.GenerateResponse{
		{FinishReason: translate.FinishToolCalls, Message: translate.Message{Role: translate.RoleAssistant, Content: []translate.ContentPart{
			{Kind: translate.ContentToolCall, ToolCallID: "call-1", ToolName: "broken"},
		}}},
		{FinishReason: translate.FinishStop, Message: translate.Message{Role: translate.RoleAssistant}},
	}}
	agent := New(gen, failingExecutor{}, 5)

	outcome, err := agent.Run(t.Context(), &translate.GenerateRequest{Messages: []translate.Message{{Role: translate.RoleUser}}})
	require.NoError(t, err)
	require.True(t, outcome.Messages[2].Content[0].ToolIsError)
}
