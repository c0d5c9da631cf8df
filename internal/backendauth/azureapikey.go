package backendauth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// azureAPIKeyHandler sets the api-key header Azure OpenAI expects in
// place of Authorization: Bearer, grounded on the teacher's
// azureAPIKeyHandler.
type azureAPIKeyHandler struct {
	apiKey string
}

func newAzureAPIKeyHandler(key string) (Handler, error) {
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("backendauth: azure api key is required")
	}
	return &azureAPIKeyHandler{apiKey: strings.TrimSpace(key)}, nil
}

func (a *azureAPIKeyHandler) Apply(_ context.Context, req *http.Request) error {
	req.Header.Set("api-key", a.apiKey)
	return nil
}
