package anthropic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/envoyproxy/llmgw/internal/translate"
)

func TestParseRequestHoistsSystem(t *testing.T) {
	raw := []byte(`{
		"model": "claude-3-5-sonnet",
		"system": "be terse",
		"max_tokens": 256,
		"messages": [{"role": "user", "content": "hi"}]
	}`)
	d := New()
	req, err := d.ParseRequest(raw)
	require.NoError(t, err)
	assert.Equal(t, "be terse", req.System)
	assert.Equal(t, 256, req.MaxOutputTokens)
	require.Len(t, req.Messages, 1)
}

func TestRenderRequestRoundTrips(t *testing.T) {
	d := New()
	req := &translate.GenerateRequest{
		Model:           "claude-3-5-sonnet",
		System:          "be terse",
		MaxOutputTokens: 100,
		Messages: []translate.Message{
			{Role: translate.RoleUser, Content: []translate.ContentPart{{Kind: translate.ContentText, Text: "hi"}}},
		},
	}
	raw, err := d.RenderRequest(req)
	require.NoError(t, err)
	reparsed, err := d.ParseRequest(raw)
	require.NoError(t, err)
	assert.Equal(t, req.System, reparsed.System)
	assert.Equal(t, req.MaxOutputTokens, reparsed.MaxOutputTokens)
}

func TestParseResponseMapsStopReason(t *testing.T) {
	raw := []byte(`{
		"id": "msg_1",
		"model": "claude-3-5-sonnet",
		"role": "assistant",
		"stop_reason": "max_tokens",
		"content": [{"type": "text", "text": "hi"}],
		"usage": {"input_tokens": 10, "output_tokens": 5}
	}`)
	d := New()
	resp, err := d.ParseResponse(raw)
	require.NoError(t, err)
	assert.Equal(t, translate.FinishLength, resp.FinishReason)
	assert.Equal(t, int64(15), resp.Usage.TotalTokens)
}
