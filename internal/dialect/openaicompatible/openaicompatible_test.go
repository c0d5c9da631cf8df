package openaicompatible

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/envoyproxy/llmgw/internal/translate"
)

func TestRenderRequestUsesLegacyMaxTokensField(t *testing.T) {
	d := New()
	req := &translate.GenerateRequest{
		Model: "llama-3-70b",
		Messages: []translate.Message{
			{Role: translate.RoleUser, Content: []translate.ContentPart{{Kind: translate.ContentText, Text: "hi"}}},
		},
		MaxOutputTokens: 256,
	}
	raw, err := d.RenderRequest(req)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"max_tokens":256`)
	assert.NotContains(t, string(raw), "max_completion_tokens")
}

func TestParseRequestDelegatesToOpenAIShape(t *testing.T) {
	raw := []byte(`{
		"model": "llama-3-70b",
		"messages": [{"role": "user", "content": "hi"}],
		"max_tokens": 100
	}`)
	d := New()
	req, err := d.ParseRequest(raw)
	require.NoError(t, err)
	assert.Equal(t, "llama-3-70b", req.Model)
	assert.Equal(t, 100, req.MaxOutputTokens)
}
