// Package condition implements the conditions/cel node handler (C11):
// a CEL boolean expression evaluated against a node's resolved inputs and
// the node's own properties, adapted from the teacher's compiled-program
// cache, generalized from JSON-RPC task outputs to arbitrary node inputs.
package condition

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// CELHandler evaluates a boolean CEL expression named by the node's
// "expression" property, per SPEC_FULL.md §4.11.
type CELHandler struct {
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELHandler creates a condition handler with an empty compiled-program
// cache, keyed by normalized expression text.
func NewCELHandler() *CELHandler {
	return &CELHandler{cache: make(map[string]cel.Program)}
}

// Handle evaluates properties["expression"] against {output, ctx} built
// from inputs and properties, returning {"0": bool}. "$.field" is
// normalized to "output.field" for author ergonomics, matching the
// teacher's convention.
func (h *CELHandler) Handle(ctx context.Context, inputs, properties map[string]any) (map[string]any, error) {
	expr, ok := properties["expression"].(string)
	if !ok || expr == "" {
		return nil, fmt.Errorf("condition/cel: missing string property %q", "expression")
	}

	program, err := h.compiled(expr)
	if err != nil {
		return nil, err
	}

	out, _, err := program.Eval(map[string]any{
		"output": inputs,
		"ctx":    properties,
	})
	if err != nil {
		return nil, fmt.Errorf("condition/cel: evaluation error: %w", err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return nil, fmt.Errorf("condition/cel: expression did not return a boolean, got %T", out.Value())
	}

	return map[string]any{"0": result}, nil
}

func (h *CELHandler) compiled(expr string) (cel.Program, error) {
	normalized := strings.ReplaceAll(expr, "$.", "output.")

	h.mu.RLock()
	program, ok := h.cache[normalized]
	h.mu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := compile(normalized)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.cache[normalized] = program
	h.mu.Unlock()
	return program, nil
}

func compile(expr string) (cel.Program, error) {
	env, err := cel.NewEnv(
		cel.Variable("output", cel.DynType),
		cel.Variable("ctx", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("condition/cel: failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("condition/cel: compilation error: %w", issues.Err())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("condition/cel: failed to build program: %w", err)
	}
	return program, nil
}
