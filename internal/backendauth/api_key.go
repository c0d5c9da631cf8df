package backendauth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// apiKeyHandler implements Handler for plain bearer-token authz (OpenAI,
// OpenAI-compatible, Cohere), grounded on the teacher's apiKeyHandler.
type apiKeyHandler struct {
	apiKey string
}

func newAPIKeyHandler(key string) (Handler, error) {
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("backendauth: api key is required")
	}
	return &apiKeyHandler{apiKey: strings.TrimSpace(key)}, nil
}

func (a *apiKeyHandler) Apply(_ context.Context, req *http.Request) error {
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	return nil
}
