package backendauth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// anthropicAPIKeyHandler sets the x-api-key header Anthropic requires
// instead of Authorization: Bearer, grounded on the teacher's
// anthropicAPIKeyHandler.
//
// https://docs.claude.com/en/api/overview#authentication
type anthropicAPIKeyHandler struct {
	apiKey string
}

func newAnthropicAPIKeyHandler(key string) (Handler, error) {
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("backendauth: anthropic api key is required")
	}
	return &anthropicAPIKeyHandler{apiKey: strings.TrimSpace(key)}, nil
}

func (a *anthropicAPIKeyHandler) Apply(_ context.Context, req *http.Request) error {
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")
	return nil
}
