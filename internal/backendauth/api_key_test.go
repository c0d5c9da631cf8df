package backendauth

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewAPIKeyHandler(t *testing.T) {
	handler, err := newAPIKeyHandler("test \n")
	require.NoError(t, err)
	require.Equal(t, "test", handler.(*apiKeyHandler).apiKey)
}

func TestAPIKeyHandlerApply(t *testing.T) {
	handler, err := newAPIKeyHandler("test")
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, "https://api.openai.com/v1/chat/completions", nil)
	require.NoError(t, err)

	require.NoError(t, handler.Apply(t.Context(), req))
	require.Equal(t, "Bearer test", req.Header.Get("Authorization"))
}

func TestNewAPIKeyHandlerRequiresKey(t *testing.T) {
	_, err := newAPIKeyHandler("  ")
	require.Error(t, err)
}
