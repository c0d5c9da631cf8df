// Package llmcostcel compiles and evaluates the CEL cost expressions an
// operator can attach to a backend in configuration, computing a request's
// charged cost (in whatever unit the expression returns, typically USD
// micros) from its token counts instead of a fixed per-token rate.
//
// Grounded on github.com/google/cel-go usage shared by the rest of this
// pack's lineage (one sibling example repo still carries the
// implementation this package's own teacher dropped, keeping only its
// test file); adapted here to also expose cached_input_tokens, since
// spec.md's budget model tracks cache hits separately from fresh input
// tokens.
package llmcostcel

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

const (
	celModelNameKey         = "model"
	celBackendKey           = "backend"
	celInputTokensKey       = "input_tokens"
	celCachedInputTokensKey = "cached_input_tokens"
	celOutputTokensKey      = "output_tokens"
	celTotalTokensKey       = "total_tokens"
)

var env *cel.Env

func init() {
	var err error
	env, err = cel.NewEnv(
		cel.Variable(celModelNameKey, cel.StringType),
		cel.Variable(celBackendKey, cel.StringType),
		cel.Variable(celInputTokensKey, cel.UintType),
		cel.Variable(celCachedInputTokensKey, cel.UintType),
		cel.Variable(celOutputTokensKey, cel.UintType),
		cel.Variable(celTotalTokensKey, cel.UintType),
	)
	if err != nil {
		panic(fmt.Sprintf("cannot create CEL environment: %v", err))
	}
}

// NewProgram compiles expr into a reusable cel.Program, sanity-checking it
// against dummy values so a configuration-time error surfaces before any
// real request is charged against it.
func NewProgram(expr string) (prog cel.Program, err error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cannot compile CEL expression: %w", issues.Err())
	}
	prog, err = env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("cannot create CEL program: %w", err)
	}

	if _, err := EvaluateProgram(prog, "dummy", "dummy", 0, 0, 0, 0); err != nil {
		return nil, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}
	return prog, nil
}

// EvaluateProgram runs prog against one request's token counts, returning
// its result as a non-negative uint64. inputTokens/cachedInputTokens/
// outputTokens/totalTokens are uint64, matching the CEL variables'
// declared UintType, so callers holding signed counts convert them first.
func EvaluateProgram(prog cel.Program, modelName, backend string, inputTokens, cachedInputTokens, outputTokens, totalTokens uint64) (uint64, error) {
	out, _, err := prog.Eval(map[string]any{
		celModelNameKey:         modelName,
		celBackendKey:           backend,
		celInputTokensKey:       inputTokens,
		celCachedInputTokensKey: cachedInputTokens,
		celOutputTokensKey:      outputTokens,
		celTotalTokensKey:       totalTokens,
	})
	if err != nil || out == nil {
		return 0, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}

	switch out.Type() {
	case cel.IntType:
		result := out.Value().(int64)
		if result < 0 {
			return 0, fmt.Errorf("CEL expression result is negative (%d)", result)
		}
		return uint64(result), nil
	case cel.UintType:
		return out.Value().(uint64), nil
	default:
		return 0, fmt.Errorf("CEL expression result is not an integer, got %v", out.Type())
	}
}
