// Package risk implements the risk/threshold node handler (C11): it reports
// a node's observed value to the emergency controller's risk-limit
// registry, per SPEC_FULL.md §4.11 ("risk nodes report their check result
// to C6 via CheckLimit rather than deciding locally whether to halt").
package risk

import (
	"context"
	"fmt"

	"github.com/lyzr/stratengine/internal/infra"
)

// ThresholdHandler reads the observed value from input port "0" and the
// "limit_name" property of a risk node, and delegates the actual limit evaluation (and
// any resulting halt) to the emergency controller reachable via the
// request context.
type ThresholdHandler struct{}

// NewThresholdHandler constructs a risk/threshold handler. It carries no
// state of its own: every check is against the shared emergency
// controller's RiskLimitTable.
func NewThresholdHandler() *ThresholdHandler {
	return &ThresholdHandler{}
}

// Handle calls Emergency.CheckLimit with the resolved current_value input
// and returns {"0": {"ok": bool, "utilization": float64}}.
func (h *ThresholdHandler) Handle(ctx context.Context, inputs, properties map[string]any) (map[string]any, error) {
	limitName, ok := properties["limit_name"].(string)
	if !ok || limitName == "" {
		return nil, fmt.Errorf("risk/threshold: missing string property %q", "limit_name")
	}

	// Node inputs are keyed by stringified input-port index (see
	// graph.resolveInputs); a risk node's sole inbound edge carries the
	// observed value on port 0.
	currentValue, err := numericInput(inputs, "0")
	if err != nil {
		return nil, fmt.Errorf("risk/threshold: %w", err)
	}

	assembly := infra.FromContext(ctx)
	if assembly == nil || assembly.Emergency == nil {
		return nil, fmt.Errorf("risk/threshold: no emergency controller available in context")
	}

	result, err := assembly.Emergency.CheckLimit(ctx, limitName, currentValue)
	if err != nil {
		return nil, fmt.Errorf("risk/threshold: %w", err)
	}

	return map[string]any{
		"0": map[string]any{
			"ok":          result.OK,
			"utilization": result.Utilization,
		},
	}, nil
}

func numericInput(inputs map[string]any, key string) (float64, error) {
	raw, ok := inputs[key]
	if !ok {
		return 0, fmt.Errorf("missing input %q", key)
	}
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("input %q is not numeric, got %T", key, raw)
	}
}
