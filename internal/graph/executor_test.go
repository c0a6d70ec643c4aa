package graph

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHandler(port string, value any) Handler {
	return HandlerFunc(func(ctx context.Context, inputs, properties map[string]any) (map[string]any, error) {
		return map[string]any{port: value}, nil
	})
}

func TestExecute_SequentialChain(t *testing.T) {
	def := &WorkflowDefinition{
		Nodes: []Node{
			{ID: "provider_1", Category: CategoryProviders, Type: "mock"},
			{ID: "condition_1", Category: CategoryConditions, Type: "mock"},
			{ID: "action_1", Category: CategoryActions, Type: "mock"},
		},
		Edges: []Edge{
			{FromNodeID: "provider_1", FromOutputIndex: 0, ToNodeID: "condition_1", ToInputIndex: 0},
			{FromNodeID: "condition_1", FromOutputIndex: 0, ToNodeID: "action_1", ToInputIndex: 0},
		},
	}
	registry := NewHandlerRegistry()
	registry.Register(CategoryProviders, "mock", echoHandler("0", "price=100"))
	registry.Register(CategoryConditions, "mock", echoHandler("0", "pass"))
	registry.Register(CategoryActions, "mock", echoHandler("0", "ok"))

	results, err := Execute(context.Background(), RunParams{Definition: def, Registry: registry})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, results["provider_1"].Status)
	assert.Equal(t, StatusCompleted, results["condition_1"].Status)
	assert.Equal(t, StatusCompleted, results["action_1"].Status)
	assert.False(t, IsFailed(def, results))
}

func TestExecute_CycleDetected(t *testing.T) {
	def := &WorkflowDefinition{
		Nodes: []Node{{ID: "a"}, {ID: "b"}},
		Edges: []Edge{
			{FromNodeID: "a", ToNodeID: "b"},
			{FromNodeID: "b", ToNodeID: "a"},
		},
	}
	_, err := Execute(context.Background(), RunParams{Definition: def, Registry: NewHandlerRegistry()})
	require.Error(t, err)
	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.ElementsMatch(t, []string{"a", "b"}, cycleErr.Nodes)
}

func TestExecute_MissingHandlerSkipsDownstream(t *testing.T) {
	def := &WorkflowDefinition{
		Nodes: []Node{
			{ID: "a", Category: CategoryProviders, Type: "mock"},
			{ID: "b", Category: CategoryActions, Type: "unregistered"},
			{ID: "c", Category: CategoryActions, Type: "mock"},
		},
		Edges: []Edge{{FromNodeID: "a", ToNodeID: "b"}, {FromNodeID: "b", ToNodeID: "c"}},
	}
	registry := NewHandlerRegistry()
	registry.Register(CategoryProviders, "mock", echoHandler("0", "x"))
	registry.Register(CategoryActions, "mock", echoHandler("0", "x"))

	results, err := Execute(context.Background(), RunParams{Definition: def, Registry: registry})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, results["a"].Status)
	assert.Equal(t, StatusFailed, results["b"].Status)
	var noHandler *NoHandlerError
	require.ErrorAs(t, results["b"].Err, &noHandler)
	assert.Equal(t, StatusNotExecuted, results["c"].Status)
	assert.True(t, IsFailed(def, results))
}

func TestExecute_NodeFailureSkipsDownstreamAsNotExecuted(t *testing.T) {
	def := &WorkflowDefinition{
		Nodes: []Node{
			{ID: "a", Category: CategoryProviders, Type: "failing"},
			{ID: "b", Category: CategoryActions, Type: "mock"},
		},
		Edges: []Edge{{FromNodeID: "a", ToNodeID: "b"}},
	}
	registry := NewHandlerRegistry()
	registry.Register(CategoryProviders, "failing", HandlerFunc(func(ctx context.Context, inputs, properties map[string]any) (map[string]any, error) {
		return nil, errors.New("upstream unavailable")
	}))
	registry.Register(CategoryActions, "mock", echoHandler("0", "x"))

	results, err := Execute(context.Background(), RunParams{Definition: def, Registry: registry})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, results["a"].Status)
	assert.Equal(t, StatusNotExecuted, results["b"].Status)
}

func TestExecute_BeforeDispatchCanHaltActionsNode(t *testing.T) {
	def := &WorkflowDefinition{
		Nodes: []Node{
			{ID: "action_1", Category: CategoryActions, Type: "mock"},
		},
	}
	registry := NewHandlerRegistry()
	registry.Register(CategoryActions, "mock", echoHandler("0", "should not run"))

	haltErr := errors.New("trading halted")
	results, err := Execute(context.Background(), RunParams{
		Definition: def,
		Registry:   registry,
		BeforeDispatch: func(node Node) error {
			if node.Category == CategoryActions {
				return haltErr
			}
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusNotExecuted, results["action_1"].Status)
	assert.Equal(t, haltErr, results["action_1"].Err)
}

func TestExecute_FanOutAndFanIn(t *testing.T) {
	def := &WorkflowDefinition{
		Nodes: []Node{
			{ID: "root", Category: CategoryProviders, Type: "mock"},
			{ID: "left", Category: CategoryConditions, Type: "mock"},
			{ID: "right", Category: CategoryConditions, Type: "mock"},
			{ID: "join", Category: CategoryActions, Type: "join"},
		},
		Edges: []Edge{
			{FromNodeID: "root", ToNodeID: "left"},
			{FromNodeID: "root", ToNodeID: "right"},
			{FromNodeID: "left", ToNodeID: "join", ToInputIndex: 0},
			{FromNodeID: "right", ToNodeID: "join", ToInputIndex: 1},
		},
	}
	registry := NewHandlerRegistry()
	registry.Register(CategoryProviders, "mock", echoHandler("0", "root"))
	registry.Register(CategoryConditions, "mock", echoHandler("0", "leaf"))
	registry.Register(CategoryActions, "join", HandlerFunc(func(ctx context.Context, inputs, properties map[string]any) (map[string]any, error) {
		if len(inputs) != 2 {
			return nil, errors.New("expected two inputs")
		}
		return map[string]any{"0": "joined"}, nil
	}))

	results, err := Execute(context.Background(), RunParams{Definition: def, Registry: registry})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, results["join"].Status)
	assert.False(t, IsFailed(def, results))
}
