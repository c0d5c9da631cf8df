package admission

import "strings"

// EndpointClass classifies a path for cost-budget admission (spec.md §4.1
// step 5): some endpoints have no meaningful token cost (Free), some are
// priced per input/output token (TokenBased), and some cannot be priced at
// all under a token-based cost model (Unsupported).
type EndpointClass int

const (
	EndpointFree EndpointClass = iota
	EndpointTokenBased
	EndpointUnsupported
)

// ClassifyEndpoint mirrors the original implementation's
// cost_budget_endpoint_policy: generation, embedding, rerank, and
// moderation endpoints are token-based; health/model-discovery/file
// metadata endpoints are free; audio, image, batch, and files-content
// endpoints have no per-token provider pricing and are Unsupported under a
// cost budget.
func ClassifyEndpoint(path string) EndpointClass {
	p := strings.TrimSuffix(strings.SplitN(path, "?", 2)[0], "/")
	p = strings.TrimPrefix(p, "/v1")
	switch {
	case p == "" || p == "/health" || p == "/metrics" || p == "/metrics/prometheus":
		return EndpointFree
	case strings.HasPrefix(p, "/models"):
		return EndpointFree
	case p == "/chat/completions", p == "/completions", p == "/responses", p == "/responses/compact":
		return EndpointTokenBased
	case p == "/embeddings", p == "/moderations", p == "/rerank":
		return EndpointTokenBased
	case strings.HasPrefix(p, "/images/generations"):
		return EndpointUnsupported
	case strings.HasPrefix(p, "/audio/"):
		return EndpointUnsupported
	case strings.HasPrefix(p, "/batches"):
		return EndpointUnsupported
	case strings.HasPrefix(p, "/files"):
		return EndpointUnsupported
	default:
		return EndpointUnsupported
	}
}
