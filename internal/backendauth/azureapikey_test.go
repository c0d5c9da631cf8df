package backendauth

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAzureAPIKeyHandler(t *testing.T) {
	t.Run("sets api-key header", func(t *testing.T) {
		handler, err := newAzureAPIKeyHandler("test-azure-key")
		require.NoError(t, err)

		req, err := http.NewRequest(http.MethodPost, "https://example.openai.azure.com/openai/deployments/gpt-4/chat/completions", nil)
		require.NoError(t, err)
		require.NoError(t, handler.Apply(t.Context(), req))

		require.Equal(t, "test-azure-key", req.Header.Get("api-key"))
	})

	t.Run("trims whitespace", func(t *testing.T) {
		handler, err := newAzureAPIKeyHandler("  key-with-spaces  ")
		require.NoError(t, err)
		require.Equal(t, "key-with-spaces", handler.(*azureAPIKeyHandler).apiKey)
	})

	t.Run("requires non-empty key", func(t *testing.T) {
		_, err := newAzureAPIKeyHandler("")
		require.Error(t, err)
	})
}
