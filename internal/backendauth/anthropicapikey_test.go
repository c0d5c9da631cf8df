package backendauth

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAnthropicAPIKeyHandler(t *testing.T) {
	t.Run("sets x-api-key header", func(t *testing.T) {
		handler, err := newAnthropicAPIKeyHandler("test-key")
		require.NoError(t, err)

		req, err := http.NewRequest(http.MethodPost, "https://api.anthropic.com/v1/messages", nil)
		require.NoError(t, err)
		require.NoError(t, handler.Apply(t.Context(), req))

		require.Equal(t, "test-key", req.Header.Get("x-api-key"))
		require.Equal(t, "2023-06-01", req.Header.Get("anthropic-version"))
	})

	t.Run("trims whitespace", func(t *testing.T) {
		handler, err := newAnthropicAPIKeyHandler("  key-with-spaces  ")
		require.NoError(t, err)
		require.Equal(t, "key-with-spaces", handler.(*anthropicAPIKeyHandler).apiKey)
	})
}
