// Package agentloop implements the gateway's agent tool loop (spec.md §2's
// table, "6%"): given an initial request, repeatedly call the translation
// layer's Generate, execute any tool calls the model emits against a
// registered ToolExecutor, feed the results back as the next turn, and stop
// once a FinishReason other than ToolCalls is observed or an iteration cap
// is hit.
//
// Grounded on original_source/src/agent/mod.rs, whose ToolExecutor /
// ToolLoopAgent / ToolLoopOutcome / ToolLoopStopReason names this package's
// ToolExecutor / Agent / Outcome / StopReason carry over, and on the
// teacher's internal/mcpproxy package for the shape of a tool-call
// execution boundary (a registered executor invoked by name, independent
// of any one provider's wire format) — generalized here from MCP-specific
// transport to the neutral internal/translate.Tool model so any dialect's
// tool calls can drive the same loop.
package agentloop

import (
	"context"
	"fmt"

	"github.com/envoyproxy/llmgw/internal/translate"
)

// ToolCall is one invocation the model requested, lifted out of a
// GenerateResponse's tool_call content parts.
type ToolCall struct {
	ID            string
	Name          string
	ArgumentsJSON string
}

// ToolResult is what a ToolExecutor reports back for one ToolCall.
type ToolResult struct {
	ResultJSON string
	IsError    bool
}

// ToolExecutor runs one tool call and returns its result. Implementations
// dispatch by call.Name to whatever backs the tool (an MCP server, a local
// function, an HTTP callout); agentloop does not care which.
type ToolExecutor interface {
	Execute(ctx context.Context, call ToolCall) (ToolResult, error)
}

// Generator is the narrow slice of the translation layer the loop drives:
// one full (non-streamed) generation call. Streaming agent turns are out of
// scope for this loop, per spec.md's agent-loop description only naming
// Generate.
type Generator interface {
	Generate(ctx context.Context, req *translate.GenerateRequest) (*translate.GenerateResponse, error)
}

// StopReason records why Run stopped looping.
type StopReason string

const (
	// StopFinishReason means the model returned a FinishReason other than
	// ToolCalls: the loop produced a final answer.
	StopFinishReason StopReason = "finish_reason"
	// StopMaxIterations means the configured iteration cap was hit while
	// the model was still requesting tool calls.
	StopMaxIterations StopReason = "max_iterations"
	// StopNoToolCalls means the model reported FinishToolCalls but its
	// message carried no tool_call content parts; the loop stops rather
	// than spin with an unchanged transcript.
	StopNoToolCalls StopReason = "no_tool_calls"
)

// Outcome is what Run returns once the loop stops.
type Outcome struct {
	Messages      []translate.Message
	FinalResponse *translate.GenerateResponse
	Iterations    int
	StopReason    StopReason
}

// Agent drives one agent-loop run.
type Agent struct {
	Generator     Generator
	Tools         ToolExecutor
	MaxIterations int
}

// New builds an Agent. maxIterations must be positive; a non-positive value
// is clamped to 1 so the loop always terminates.
func New(gen Generator, tools ToolExecutor, maxIterations int) *Agent {
	if maxIterations <= 0 {
		maxIterations = 1
	}
	return &Agent{Generator: gen, Tools: tools, MaxIterations: maxIterations}
}

// Run executes the loop starting from req's messages, mutating neither req
// nor its Messages slice.
func (a *Agent) Run(ctx context.Context, req *translate.GenerateRequest) (*Outcome, error) {
	messages := append([]translate.Message(nil), req.Messages...)

	for i := 0; i < a.MaxIterations; i++ {
		turn := *req
		turn.Messages = messages

		resp, err := a.Generator.Generate(ctx, &turn)
		if err != nil {
			return nil, fmt.Errorf("agentloop: generate iteration %d: %w", i+1, err)
		}
		messages = append(messages, resp.Message)

		if resp.FinishReason != translate.FinishToolCalls {
			return &Outcome{Messages: messages, FinalResponse: resp, Iterations: i + 1, StopReason: StopFinishReason}, nil
		}

		calls := extractToolCalls(resp.Message)
		if len(calls) == 0 {
			return &Outcome{Messages: messages, FinalResponse: resp, Iterations: i + 1, StopReason: StopNoToolCalls}, nil
		}

		resultParts := make([]translate.ContentPart, 0, len(calls))
		for _, call := range calls {
			result, err := a.Tools.Execute(ctx, call)
			if err != nil {
				result = ToolResult{ResultJSON: fmt.Sprintf(`{"error":%q}`, err.Error()), IsError: true}
			}
			resultParts = append(resultParts, translate.ContentPart{
				Kind:           translate.ContentToolResult,
				ToolResultID:   call.ID,
				ToolResultJSON: result.ResultJSON,
				ToolIsError:    result.IsError,
			})
		}
		messages = append(messages, translate.Message{Role: translate.RoleTool, Content: resultParts})
	}

	return &Outcome{Messages: messages, Iterations: a.MaxIterations, StopReason: StopMaxIterations}, nil
}

// extractToolCalls pulls every tool_call content part out of msg.
func extractToolCalls(msg translate.Message) []ToolCall {
	var calls []ToolCall
	for _, part := range msg.Content {
		if part.Kind != translate.ContentToolCall {
			continue
		}
		calls = append(calls, ToolCall{ID: part.ToolCallID, Name: part.ToolName, ArgumentsJSON: part.ToolArgumentsJSON})
	}
	return calls
}
