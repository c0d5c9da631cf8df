package backendauth

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

func TestNewGCPHandlerRequiresProjectID(t *testing.T) {
	_, err := newGCPHandler(t.Context(), Config{Kind: AuthGCP})
	require.Error(t, err)
	require.Contains(t, err.Error(), "project id")
}

func TestGCPHandlerApplyRewritesPathAndSetsBearerToken(t *testing.T) {
	handler := &gcpHandler{
		creds: &google.Credentials{
			TokenSource: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test-token"}),
		},
		region:      "us-central1",
		projectName: "test-project",
	}

	req, err := http.NewRequest(http.MethodPost, "https://placeholder/publishers/google/models/gemini-pro:generateContent", nil)
	require.NoError(t, err)

	require.NoError(t, handler.Apply(t.Context(), req))

	require.Equal(t, "Bearer test-token", req.Header.Get("Authorization"))
	require.Equal(t,
		"https://us-central1-aiplatform.googleapis.com/v1/projects/test-project/locations/us-central1/publishers/google/models/gemini-pro:generateContent",
		req.URL.String())
}
