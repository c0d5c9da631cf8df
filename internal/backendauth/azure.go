package backendauth

import (
	"context"
	"fmt"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
)

// azureHandler acquires an Entra ID access token via azidentity and
// attaches it as an Authorization: Bearer header. The teacher's
// azureHandler instead reads a token a k8s controller rotated into a
// mounted secret (internal/controller/rotators/azure_token_rotator.go);
// this gateway has no such controller, so it acquires tokens directly
// through a ClientSecretCredential, which azidentity already caches and
// refreshes ahead of expiry.
type azureHandler struct {
	cred  *azidentity.ClientSecretCredential
	scope string
}

func newAzureHandler(_ context.Context, cfg Config) (Handler, error) {
	if cfg.AzureTenantID == "" || cfg.AzureClientID == "" || cfg.AzureClientSecret == "" {
		return nil, fmt.Errorf("backendauth: azure AD credentials require tenant id, client id, and client secret")
	}
	cred, err := azidentity.NewClientSecretCredential(cfg.AzureTenantID, cfg.AzureClientID, cfg.AzureClientSecret, nil)
	if err != nil {
		return nil, fmt.Errorf("backendauth: building azure credential: %w", err)
	}
	return &azureHandler{cred: cred, scope: "https://cognitiveservices.azure.com/.default"}, nil
}

func (a *azureHandler) Apply(ctx context.Context, req *http.Request) error {
	token, err := a.cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{a.scope}})
	if err != nil {
		return fmt.Errorf("backendauth: acquiring azure AD token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.Token)
	return nil
}
