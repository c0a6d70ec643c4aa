package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/stratengine/internal/config"
	"github.com/lyzr/stratengine/internal/events"
	"github.com/lyzr/stratengine/internal/graph"
	"github.com/lyzr/stratengine/internal/infra"
)

func newTestAssembly(t *testing.T) *infra.Assembly {
	t.Helper()
	cfg := &config.Config{
		Environment: "development",
		State:       config.StateConfig{Backend: "memory"},
		Events:      config.EventsConfig{Backend: "memory"},
		Log:         config.LogConfig{Format: "console", Level: "error"},
		Resilience: config.ResilienceConfig{
			RetryMaxAttempts:              2,
			RetryMinWaitSeconds:           0.001,
			RetryMaxWaitSeconds:           0.005,
			RetryMultiplier:               2,
			CircuitFailureThreshold:       5,
			CircuitRecoveryTimeoutSeconds: 0.05,
			CircuitHalfOpenMaxCalls:       1,
			DefaultNodeTimeoutSeconds:     2,
		},
		Emergency: config.EmergencyConfig{DailyLossLimit: -100, MaxPositionSize: 1000, MaxDrawdownPercent: 20},
		WebSocket: config.WebSocketConfig{Host: "127.0.0.1", Port: 8090, RecentEventsCapacity: 10},
	}
	a := infra.New(cfg)
	require.NoError(t, a.Initialize(context.Background()))
	return a
}

func chainDefinition() *graph.WorkflowDefinition {
	return &graph.WorkflowDefinition{
		Nodes: []graph.Node{
			{ID: "provider_1", Category: graph.CategoryProviders, Type: "mock"},
			{ID: "condition_1", Category: graph.CategoryConditions, Type: "mock"},
			{ID: "action_1", Category: graph.CategoryActions, Type: "mock"},
		},
		Edges: []graph.Edge{
			{FromNodeID: "provider_1", ToNodeID: "condition_1"},
			{FromNodeID: "condition_1", ToNodeID: "action_1"},
		},
	}
}

func registerMockHandlers(registry *graph.HandlerRegistry) {
	registry.Register(graph.CategoryProviders, "mock", graph.HandlerFunc(func(ctx context.Context, inputs, properties map[string]any) (map[string]any, error) {
		return map[string]any{"0": "price=100"}, nil
	}))
	registry.Register(graph.CategoryConditions, "mock", graph.HandlerFunc(func(ctx context.Context, inputs, properties map[string]any) (map[string]any, error) {
		return map[string]any{"0": "pass"}, nil
	}))
	registry.Register(graph.CategoryActions, "mock", graph.HandlerFunc(func(ctx context.Context, inputs, properties map[string]any) (map[string]any, error) {
		return map[string]any{"0": "ok"}, nil
	}))
}

// TestRuntime_HappyPath mirrors spec.md scenario S1.
func TestRuntime_HappyPath(t *testing.T) {
	a := newTestAssembly(t)
	registry := graph.NewHandlerRegistry()
	registerMockHandlers(registry)

	var received []string
	sub, err := a.Events.Subscribe(context.Background(), events.WorkflowEventsChannel, func(ctx context.Context, ev events.Envelope) {
		received = append(received, ev.Type)
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	rt := &Runtime{Definition: chainDefinition(), Registry: registry, Assembly: a, WorkflowID: "arb_btc"}
	record, err := rt.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, record.Status)
	assert.Equal(t, "arb_btc", record.WorkflowID)
	assert.Contains(t, record.ExecutionID, "exec_arb_btc_")
}

// TestRuntime_EmergencyHaltPreRun mirrors spec.md scenario S2.
func TestRuntime_EmergencyHaltPreRun(t *testing.T) {
	a := newTestAssembly(t)
	registry := graph.NewHandlerRegistry()
	registerMockHandlers(registry)

	require.NoError(t, a.Emergency.Halt(context.Background(), "test"))

	rt := &Runtime{Definition: chainDefinition(), Registry: registry, Assembly: a, WorkflowID: "arb_btc"}
	record, err := rt.Execute(context.Background())
	require.Error(t, err)
	require.NotNil(t, record)
	assert.Equal(t, StatusHalted, record.Status)
}

// TestRuntime_AutoHaltOnRiskLimit mirrors spec.md scenario S3.
func TestRuntime_AutoHaltOnRiskLimit(t *testing.T) {
	a := newTestAssembly(t)
	registry := graph.NewHandlerRegistry()
	registry.Register(graph.CategoryProviders, "mock", graph.HandlerFunc(func(ctx context.Context, inputs, properties map[string]any) (map[string]any, error) {
		return map[string]any{"0": "data"}, nil
	}))
	registry.Register(graph.CategoryRisk, "mock", graph.HandlerFunc(func(ctx context.Context, inputs, properties map[string]any) (map[string]any, error) {
		result, err := a.Emergency.CheckLimit(ctx, "daily_loss", -120.0)
		if err != nil {
			return nil, err
		}
		return map[string]any{"0": result.OK}, nil
	}))
	registry.Register(graph.CategoryActions, "mock", graph.HandlerFunc(func(ctx context.Context, inputs, properties map[string]any) (map[string]any, error) {
		return map[string]any{"0": "should not run"}, nil
	}))

	def := &graph.WorkflowDefinition{
		Nodes: []graph.Node{
			{ID: "provider_1", Category: graph.CategoryProviders, Type: "mock"},
			{ID: "risk_1", Category: graph.CategoryRisk, Type: "mock"},
			{ID: "action_1", Category: graph.CategoryActions, Type: "mock"},
		},
		Edges: []graph.Edge{
			{FromNodeID: "provider_1", ToNodeID: "risk_1"},
			{FromNodeID: "risk_1", ToNodeID: "action_1"},
		},
	}

	rt := &Runtime{Definition: def, Registry: registry, Assembly: a, WorkflowID: "risk_test"}
	record, err := rt.Execute(context.Background())
	require.Error(t, err)
	assert.Equal(t, StatusHalted, record.Status)

	rt2 := &Runtime{Definition: def, Registry: registry, Assembly: a, WorkflowID: "risk_test"}
	record2, err := rt2.Execute(context.Background())
	require.Error(t, err)
	assert.Equal(t, StatusHalted, record2.Status)
}
