// Package dialectregistry maps a gatewaytypes.ProviderKind to its
// internal/translate.Dialect implementation and conventional wire path.
// It is a separate package from internal/translate so that translate
// itself never imports the concrete internal/dialect/* packages: each of
// those already imports translate for the Dialect interface and the
// neutral request/response types, so translate importing them back would
// cycle. internal/upstream imports this package to resolve a backend
// candidate's dialect at dispatch time.
package dialectregistry

import (
	"fmt"

	"github.com/envoyproxy/llmgw/internal/dialect/anthropic"
	"github.com/envoyproxy/llmgw/internal/dialect/bedrock"
	"github.com/envoyproxy/llmgw/internal/dialect/cohere"
	"github.com/envoyproxy/llmgw/internal/dialect/google"
	"github.com/envoyproxy/llmgw/internal/dialect/openai"
	"github.com/envoyproxy/llmgw/internal/dialect/openaicompatible"
	"github.com/envoyproxy/llmgw/internal/gatewaytypes"
	"github.com/envoyproxy/llmgw/internal/translate"
)

// For returns the Dialect implementation for kind. Vertex speaks Google's
// Gemini wire format (same generateContent request/response shape, only
// its base URL and auth differ, both of which backendauth and the
// candidate's BaseURL already handle), so it shares google.New().
func For(kind gatewaytypes.ProviderKind) (translate.Dialect, error) {
	switch kind {
	case gatewaytypes.ProviderOpenAI:
		return openai.New(), nil
	case gatewaytypes.ProviderAnthropic:
		return anthropic.New(), nil
	case gatewaytypes.ProviderGoogle, gatewaytypes.ProviderVertex:
		return google.New(), nil
	case gatewaytypes.ProviderCohere:
		return cohere.New(), nil
	case gatewaytypes.ProviderBedrock:
		return bedrock.New(), nil
	case gatewaytypes.ProviderOpenAICompatible:
		return openaicompatible.New(), nil
	default:
		return nil, fmt.Errorf("dialectregistry: unknown provider kind %q", kind)
	}
}

// DefaultEndpointPath returns the conventional request path for kind, used
// when a backend candidate does not override gatewaytypes.BackendCandidate.EndpointPath.
// Google and Bedrock encode the model in the path itself.
func DefaultEndpointPath(kind gatewaytypes.ProviderKind, model string) string {
	switch kind {
	case gatewaytypes.ProviderOpenAI, gatewaytypes.ProviderOpenAICompatible:
		return "/v1/chat/completions"
	case gatewaytypes.ProviderAnthropic:
		return "/v1/messages"
	case gatewaytypes.ProviderGoogle, gatewaytypes.ProviderVertex:
		return "/v1beta/models/" + model + ":generateContent"
	case gatewaytypes.ProviderCohere:
		return "/v1/chat"
	case gatewaytypes.ProviderBedrock:
		return "/model/" + model + "/converse"
	default:
		return "/"
	}
}
