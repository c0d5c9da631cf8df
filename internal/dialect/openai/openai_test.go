package openai

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
		"model": "gpt-4o",
		"messages": [
			{"role": "system", "content": "be terse"},
			{"role": "user", "content": "hello"}
		],
		"max_completion_tokens": 128,
		"temperature": 0.5
	}`)

	d := New()
	req, err := d.ParseRequest(raw)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", req.Model)
	assert.Equal(t, "be terse", req.System)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, translate.RoleUser, req.Messages[0].Role)
	assert.Equal(t, 128, req.MaxOutputTokens)
	require.NotNil(t, req.Temperature)
	assert.Equal(t, 0.5, *req.Temperature)
}

func TestRenderRequestRoundTrips(t *testing.T) {
	d := New()
	req := &translate.GenerateRequest{
		Model:  "gpt-4o",
		System: "be terse",
		Messages: []translate.Message{
			{Role: translate.RoleUser, Content: []translate.ContentPart{{Kind: translate.ContentText, Text: "hi"}}},
		},
		MaxOutputTokens: 64,
	}
	raw, err := d.RenderRequest(req)
	require.NoError(t, err)

	reparsed, err := d.ParseRequest(raw)
	require.NoError(t, err)
	assert.Equal(t, req.Model, reparsed.Model)
	assert.Equal(t, req.System, reparsed.System)
	assert.Equal(t, 64, reparsed.MaxOutputTokens)
}

func TestParseResponseExtractsUsage(t *testing.T) {
	raw := []byte(`{
		"id": "chatcmpl-1",
		"model": "gpt-4o",
		"choices": [{"message": {"role": "assistant", "content": "hi there"}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 5, "completion_tokens": 3, "total_tokens": 8}
	}`)
	d := New()
	resp, err := d.ParseResponse(raw)
	require.NoError(t, err)
	assert.Equal(t, int64(8), resp.Usage.TotalTokens)
	assert.Equal(t, translate.FinishStop, resp.FinishReason)
}

func TestStreamDecoderReadsTextDeltasThenFinish(t *testing.T) {
	sseBody := "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}],\"usage\":{\"total_tokens\":3}}\n\n" +
		"data: [DONE]\n\n"

	d := New()
	dec := d.StreamDecoder(strings.NewReader(sseBody))

	chunk, err := dec.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, translate.ChunkTextDelta, chunk.Kind)
	assert.Equal(t, "hi", chunk.TextDelta)

	chunk, err = dec.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, translate.ChunkFinish, chunk.Kind)
	require.NotNil(t, chunk.Usage)
	assert.Equal(t, int64(3), chunk.Usage.TotalTokens)
}

func TestStreamEncoderWritesDoneTerminator(t *testing.T) {
	var sb strings.Builder
	d := New()
	enc := d.StreamEncoder(&sb)
	require.NoError(t, enc.Encode(&translate.StreamChunk{Kind: translate.ChunkTextDelta, TextDelta: "hi"}))
	require.NoError(t, enc.Close())
	assert.Contains(t, sb.String(), "[DONE]")
}
