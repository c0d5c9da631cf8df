package backendauth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewAzureHandlerRequiresCredentials(t *testing.T) {
	_, err := newAzureHandler(t.Context(), Config{Kind: AuthAzureAD})
	require.Error(t, err)
	require.Contains(t, err.Error(), "tenant id")
}

func TestNewAzureHandlerBuildsCredential(t *testing.T) {
	handler, err := newAzureHandler(t.Context(), Config{
		Kind:              AuthAzureAD,
		AzureTenantID:     "tenant",
		AzureClientID:     "client",
		AzureClientSecret: "secret",
	})
	require.NoError(t, err)
	require.NotNil(t, handler.(*azureHandler).cred)
	require.Equal(t, "https://cognitiveservices.azure.com/.default", handler.(*azureHandler).scope)
}
