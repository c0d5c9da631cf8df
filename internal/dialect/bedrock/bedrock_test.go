package bedrock

import (
	"bytes"
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/envoyproxy/llmgw/internal/translate"
)

func TestParseRequestHoistsSystemAndMessages(t *testing.T) {
	raw := []byte(`{
		"system": [{"text": "be terse"}],
		"messages": [{"role": "user", "content": [{"text": "hi"}]}],
		"inferenceConfig": {"maxTokens": 128, "temperature": 0.5}
	}`)
	d := New()
	req, err := d.ParseRequest(raw)
	require.NoError(t, err)
	assert.Equal(t, "be terse", req.System)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, 128, req.MaxOutputTokens)
}

func TestRenderRequestRoundTrips(t *testing.T) {
	d := New()
	req := &translate.GenerateRequest{
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
	assert.Equal(t, req.System, reparsed.System)
	assert.Equal(t, 64, reparsed.MaxOutputTokens)
}

func TestParseResponseMapsStopReason(t *testing.T) {
	raw := []byte(`{
		"output": {"message": {"role": "assistant", "content": [{"text": "hi"}]}},
		"stopReason": "tool_use",
		"usage": {"inputTokens": 10, "outputTokens": 5, "totalTokens": 15}
	}`)
	d := New()
	resp, err := d.ParseResponse(raw)
	require.NoError(t, err)
	assert.Equal(t, translate.FinishToolCalls, resp.FinishReason)
	assert.Equal(t, int64(15), resp.Usage.TotalTokens)
}

// encodeEvents builds an AWS eventstream-framed body out of JSON payloads,
// mirroring the teacher's testupstream fixture encoder.
func encodeEvents(t *testing.T, eventType string, payloads ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := eventstream.NewEncoder()
	for _, p := range payloads {
		require.NoError(t, enc.Encode(&buf, eventstream.Message{
			Headers: eventstream.Headers{{Name: ":event-type", Value: eventstream.StringValue(eventType)}},
			Payload: []byte(p),
		}))
	}
	return buf.Bytes()
}

func TestStreamDecoderReadsTextDeltaThenStopReason(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(encodeEvents(t, "contentBlockDelta", `{"contentBlockIndex":0,"delta":{"text":"hi"}}`))
	buf.Write(encodeEvents(t, "messageStop", `{"stopReason":"end_turn"}`))

	d := New()
	dec := d.StreamDecoder(&buf)

	chunk, err := dec.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, translate.ChunkTextDelta, chunk.Kind)
	assert.Equal(t, "hi", chunk.TextDelta)

	chunk, err = dec.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, translate.ChunkFinish, chunk.Kind)
	assert.Equal(t, translate.FinishStop, chunk.FinishReason)
}

func TestStreamDecoderAssociatesToolNameFromStartEvent(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(encodeEvents(t, "contentBlockStart", `{"contentBlockIndex":0,"start":{"toolUse":{"toolUseId":"t1","name":"lookup"}}}`))
	buf.Write(encodeEvents(t, "contentBlockDelta", `{"contentBlockIndex":0,"delta":{"toolUse":{"input":"{\"q\":1}"}}}`))

	d := New()
	dec := d.StreamDecoder(&buf)

	chunk, err := dec.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, translate.ChunkToolCallDelta, chunk.Kind)
	assert.Equal(t, "lookup", chunk.ToolName)
}
