// Package schema synthesizes spec.md §4.4's structured-output strategies
// (NativeSchema/ToolCall/TextJson) for dialects whose wire format has no
// native JSON-schema-constrained-decoding slot, grounded on
// _examples/original_source/src/utils/json_schema.rs's strategy selection
// (prefer the provider's native support, fall back to a forced tool call,
// fall back further to asking in the prompt and parsing the reply).
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/envoyproxy/llmgw/internal/translate"
)

// SyntheticToolName is the tool name ToolCall-strategy synthesis forces
// the model to call.
const SyntheticToolName = "__structured_output"

// Resolve picks the concrete strategy for rf given whether the target
// dialect has native JSON-schema support. A request with no JSON-schema
// response format, or an Auto/unset strategy, resolves deterministically;
// an explicit non-Auto strategy is honored as-is even against a dialect
// that could have used its native support, since the caller asked for a
// specific round-trip shape.
func Resolve(nativeSupported bool, rf *translate.ResponseFormat) translate.StructuredOutputStrategy {
	if rf == nil || rf.Kind != translate.ResponseFormatJSONSchema {
		return translate.StrategyAuto
	}
	if rf.Strategy != "" && rf.Strategy != translate.StrategyAuto {
		return rf.Strategy
	}
	if nativeSupported {
		return translate.StrategyNativeSchema
	}
	return translate.StrategyToolCall
}

// SyntheticTool builds the forced tool definition ToolCall-strategy
// synthesis adds to the request, carrying rf's schema as the tool's
// parameters.
func SyntheticTool(rf *translate.ResponseFormat) translate.Tool {
	name := rf.JSONSchemaName
	if name == "" {
		name = "response"
	}
	return translate.Tool{
		Name:                 SyntheticToolName,
		Description:          fmt.Sprintf("Return the final answer as JSON matching the %q schema. Always call this tool exactly once with the result.", name),
		ParametersJSONSchema: rf.JSONSchema,
	}
}

// SyntheticToolChoice forces the model to call SyntheticTool.
func SyntheticToolChoice() *translate.ToolChoice {
	return &translate.ToolChoice{Mode: translate.ToolChoiceNamed, Name: SyntheticToolName}
}

// SystemPromptSuffix builds the instruction TextJson-strategy synthesis
// appends to the system prompt, asking the model to reply with raw JSON
// matching rf's schema and nothing else.
func SystemPromptSuffix(rf *translate.ResponseFormat) string {
	return fmt.Sprintf("\n\nRespond with only a single JSON object matching this schema, no prose, no code fence:\n%s", rf.JSONSchema)
}

// ExtractToolCallJSON pulls the synthesized tool call's arguments back out
// of msg, for ToolCall-strategy response handling: the caller asked for
// structured JSON, not a tool call, so the synthetic call content part is
// rewritten into the plain assistant JSON text a json_schema caller expects.
func ExtractToolCallJSON(msg *translate.Message) (string, bool) {
	for _, p := range msg.Content {
		if p.Kind == translate.ContentToolCall && p.ToolName == SyntheticToolName {
			return p.ToolArgumentsJSON, true
		}
	}
	return "", false
}

// IsValidJSON reports whether raw is syntactically valid JSON. A
// TextJson-strategy reply that fails this needs the partialjson repair
// pass rather than being returned to the caller as-is.
func IsValidJSON(raw string) bool {
	return json.Valid([]byte(raw))
}
