// Package guardrails evaluates the compiled policy of spec.md §3
// "Guardrails" against an incoming request envelope, as admission
// controller step 4 (spec.md §4.1) requires: model allow/deny, then
// max-input-tokens, then schema validation, then text filters — in that
// order, first failure wins.
package guardrails

import (
	"regexp"
	"sync"

	"github.com/envoyproxy/llmgw/internal/gatewaytypes"
)

// CompiledGuardrails wraps gatewaytypes.Guardrails with its text filters
// pre-compiled to regexps, so repeated evaluation across requests does not
// re-parse them.
type CompiledGuardrails struct {
	g       *gatewaytypes.Guardrails
	filters []*regexp.Regexp
}

var compileCache sync.Map // *gatewaytypes.Guardrails -> *CompiledGuardrails

// Compile compiles g's text filters once and caches the result keyed by
// pointer identity, since Guardrails is documented as an immutable value
// type (spec.md §3).
func Compile(g *gatewaytypes.Guardrails) (*CompiledGuardrails, error) {
	if g == nil {
		return &CompiledGuardrails{}, nil
	}
	if cached, ok := compileCache.Load(g); ok {
		return cached.(*CompiledGuardrails), nil
	}
	filters := make([]*regexp.Regexp, 0, len(g.TextFilters))
	for _, pattern := range g.TextFilters {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, err
		}
		filters = append(filters, re)
	}
	cg := &CompiledGuardrails{g: g, filters: filters}
	compileCache.Store(g, cg)
	return cg, nil
}

// Violation describes why Evaluate rejected a request.
type Violation struct {
	Code    string
	Message string
}

// Evaluate runs the four-step guardrail check of spec.md §4.1 step 4
// against model, inputTokensEstimate, and the raw UTF-8 request body. It
// returns the first Violation encountered, or nil if all checks pass.
// Schema validation (4c) is delegated to validateSchema, which the caller
// supplies because it depends on the endpoint kind (JSON vs. multipart)
// external to this package.
func (c *CompiledGuardrails) Evaluate(model string, inputTokensEstimate int, rawBody []byte, validateSchema func([]byte) error) *Violation {
	if c.g == nil {
		return nil
	}

	if v := c.checkModel(model); v != nil {
		return v
	}
	if c.g.MaxInputTokens > 0 && inputTokensEstimate > c.g.MaxInputTokens {
		return &Violation{Code: "max_input_tokens_exceeded", Message: "input token estimate exceeds the configured maximum"}
	}
	if c.g.ValidateSchema && validateSchema != nil {
		if err := validateSchema(rawBody); err != nil {
			return &Violation{Code: "schema_validation_failed", Message: err.Error()}
		}
	}
	for i, re := range c.filters {
		if re.Match(rawBody) {
			return &Violation{Code: "text_filter_matched", Message: "request body matched a configured text filter: " + c.g.TextFilters[i]}
		}
	}
	return nil
}

func (c *CompiledGuardrails) checkModel(model string) *Violation {
	if model == "" {
		return nil
	}
	for _, denied := range c.g.DeniedModels {
		if denied == model {
			return &Violation{Code: "model_denied", Message: "model is denied by guardrails: " + model}
		}
	}
	if len(c.g.AllowedModels) == 0 {
		return nil
	}
	for _, allowed := range c.g.AllowedModels {
		if allowed == model {
			return nil
		}
	}
	return &Violation{Code: "model_not_allowed", Message: "model is not in the allowed list: " + model}
}

// Effective resolves the effective guardrails for a request: the routing
// rule override when present, else the key-level guardrails, per spec.md
// §4.1 step 4.
func Effective(ruleOverride, keyLevel *gatewaytypes.Guardrails) *gatewaytypes.Guardrails {
	if ruleOverride != nil {
		return ruleOverride
	}
	return keyLevel
}
