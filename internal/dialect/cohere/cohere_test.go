package cohere

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/envoyproxy/llmgw/internal/translate"
)

func TestParseRequestExtractsSystemAndMessages(t *testing.T) {
	raw := []byte(`{
		"model": "command-r-plus",
		"messages": [
			{"role": "system", "content": "be terse"},
			{"role": "user", "content": "hi"}
		],
		"max_tokens": 128
	}`)
	d := New()
	req, err := d.ParseRequest(raw)
	require.NoError(t, err)
	assert.Equal(t, "be terse", req.System)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, 128, req.MaxOutputTokens)
}

func TestNamedToolChoiceFiltersToolsList(t *testing.T) {
	d := New()
	req := &translate.GenerateRequest{
		Model: "command-r-plus",
		Messages: []translate.Message{
			{Role: translate.RoleUser, Content: []translate.ContentPart{{Kind: translate.ContentText, Text: "hi"}}},
		},
		Tools: []translate.Tool{
			{Name: "lookup", ParametersJSONSchema: []byte(`{}`)},
			{Name: "other", ParametersJSONSchema: []byte(`{}`)},
		},
		ToolChoice: &translate.ToolChoice{Mode: translate.ToolChoiceNamed, Name: "lookup"},
	}
	raw, err := d.RenderRequest(req)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"tool_choice":"REQUIRED"`)
	assert.Contains(t, string(raw), "lookup")
	assert.NotContains(t, string(raw), `"name":"other"`)
}

func TestParseResponseMapsFinishReasonFromToolCalls(t *testing.T) {
	raw := []byte(`{
		"id": "resp1",
		"model": "command-r-plus",
		"finish_reason": "COMPLETE",
		"message": {
			"role": "assistant",
			"content": [{"type": "text", "text": "hi"}],
			"tool_calls": [{"id": "call1", "function": {"name": "lookup", "arguments": "{\"q\":1}"}}]
		},
		"usage": {"billed_units": {"input_tokens": 5, "output_tokens": 3}}
	}`)
	d := New()
	resp, err := d.ParseResponse(raw)
	require.NoError(t, err)
	assert.Equal(t, translate.FinishToolCalls, resp.FinishReason)
	assert.Equal(t, int64(8), resp.Usage.TotalTokens)
}

func TestStreamDecoderAccumulatesToolArgsUntilMessageEnd(t *testing.T) {
	sseBody := "data: {\"type\":\"content-delta\",\"delta\":{\"message\":{\"content\":{\"text\":\"hi\"}}}}\n\n" +
		"data: {\"type\":\"tool-call-start\",\"delta\":{\"tool_call\":{\"id\":\"c1\",\"function\":{\"name\":\"lookup\",\"arguments\":\"\"}}}}\n\n" +
		"data: {\"type\":\"tool-call-delta\",\"delta\":{\"tool_call\":{\"id\":\"c1\",\"function\":{\"arguments\":\"{\\\"q\\\":1}\"}}}}\n\n" +
		"data: {\"type\":\"message-end\",\"delta\":{\"finish_reason\":\"COMPLETE\"}}\n\n"

	d := New()
	dec := d.StreamDecoder(strings.NewReader(sseBody))

	chunk, err := dec.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, translate.ChunkTextDelta, chunk.Kind)

	chunk, err = dec.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, translate.ChunkToolCallDelta, chunk.Kind)
	assert.Equal(t, "lookup", chunk.ToolName)

	chunk, err = dec.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, translate.ChunkToolCallDelta, chunk.Kind)
	assert.Contains(t, chunk.ToolArgumentsJSONDelta, "q")

	chunk, err = dec.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, translate.ChunkFinish, chunk.Kind)
	assert.Equal(t, translate.FinishToolCalls, chunk.FinishReason)
}
