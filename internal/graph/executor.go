package graph

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Handler is the node handler contract realized in Go, per SPEC_FULL.md §6.
type Handler interface {
	Handle(ctx context.Context, inputs, properties map[string]any) (map[string]any, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, inputs, properties map[string]any) (map[string]any, error)

func (f HandlerFunc) Handle(ctx context.Context, inputs, properties map[string]any) (map[string]any, error) {
	return f(ctx, inputs, properties)
}

// NoHandlerError reports that no handler is registered for a node's
// (category, type) pair.
type NoHandlerError struct {
	NodeID, Category, Type string
}

func (e *NoHandlerError) Error() string {
	return fmt.Sprintf("graph: no handler registered for node %q (%s/%s)", e.NodeID, e.Category, e.Type)
}

// HandlerRegistry maps (category, type) to the Handler that implements it.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]Handler)}
}

// Register installs handler for (category, type), overwriting any prior
// registration — callers may override the built-in C11 handlers.
func (r *HandlerRegistry) Register(category, typ string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[registryKey(category, typ)] = handler
}

// Lookup returns the handler for (category, type), if any.
func (r *HandlerRegistry) Lookup(category, typ string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[registryKey(category, typ)]
	return h, ok
}

func registryKey(category, typ string) string { return category + "/" + typ }

// NodeStatus is the terminal or pending status of one node within a run.
type NodeStatus string

const (
	StatusPending     NodeStatus = "pending"
	StatusRunning     NodeStatus = "running"
	StatusCompleted   NodeStatus = "completed"
	StatusFailed      NodeStatus = "failed"
	StatusNotExecuted NodeStatus = "not_executed"
)

// NodeResult is the recorded outcome of one node's dispatch.
type NodeResult struct {
	NodeID   string
	Status   NodeStatus
	Output   map[string]any
	Err      error
	Duration time.Duration
}

// NodeObserver receives node lifecycle callbacks. C8 does not publish
// events itself (spec.md §4.8): the caller (C9) implements this to
// project lifecycle onto the event bus.
type NodeObserver interface {
	OnNodeStarted(node Node)
	OnNodeCompleted(node Node, output map[string]any, duration time.Duration)
	OnNodeFailed(node Node, err error, duration time.Duration)
}

// NoopObserver implements NodeObserver with no-ops, useful for tests that
// don't care about lifecycle callbacks.
type NoopObserver struct{}

func (NoopObserver) OnNodeStarted(Node)                                  {}
func (NoopObserver) OnNodeCompleted(Node, map[string]any, time.Duration) {}
func (NoopObserver) OnNodeFailed(Node, error, time.Duration)             {}

// WrapFunc lets the caller apply per-category resilience wrapping (C9's
// job per spec.md §4.9 step 5) before a handler is invoked.
type WrapFunc func(node Node, handler Handler) Handler

// BeforeDispatchFunc is consulted immediately before a node is dispatched.
// Returning an error causes that node (and nothing already running) to be
// marked not_executed with the returned error instead of being invoked —
// the hook C9 uses for the mid-run trading halt check (spec.md §4.9).
type BeforeDispatchFunc func(node Node) error

// RunParams configures one Execute call.
type RunParams struct {
	Definition     *WorkflowDefinition
	Registry       *HandlerRegistry
	Observer       NodeObserver
	Wrap           WrapFunc
	BeforeDispatch BeforeDispatchFunc
}

// Execute runs def to completion (or first structural failure). It
// returns per-node results and an overall error that is non-nil only for
// *CycleError. A missing handler is recorded as that node's
// *NoHandlerError in NodeResult.Err, like any node-level handler error,
// and is not returned here.
func Execute(ctx context.Context, params RunParams) (map[string]NodeResult, error) {
	def := params.Definition
	observer := params.Observer
	if observer == nil {
		observer = NoopObserver{}
	}

	if _, err := def.topologicalOrder(); err != nil {
		return nil, err
	}

	nodes := def.nodeByID()
	deps := def.dependencies()
	dependents := def.dependents()

	var mu sync.Mutex
	results := make(map[string]NodeResult, len(def.Nodes))
	outputs := make(map[string]map[string]any, len(def.Nodes))
	done := make(map[string]bool, len(def.Nodes))

	for _, n := range def.Nodes {
		results[n.ID] = NodeResult{NodeID: n.ID, Status: StatusPending}
	}

	ready := func() []string {
		mu.Lock()
		defer mu.Unlock()
		var out []string
		for id := range nodes {
			if done[id] {
				continue
			}
			if results[id].Status != StatusPending {
				continue
			}
			satisfied := true
			for dep := range deps[id] {
				if !done[dep] {
					satisfied = false
					break
				}
			}
			if satisfied {
				out = append(out, id)
			}
		}
		sort.Strings(out)
		return out
	}

	markDone := func(res NodeResult, output map[string]any) {
		mu.Lock()
		defer mu.Unlock()
		results[res.NodeID] = res
		done[res.NodeID] = true
		if output != nil {
			outputs[res.NodeID] = output
		}
	}

	skipSubtree := func(id string, cause error) {
		mu.Lock()
		queue := append([]string(nil), dependents[id]...)
		mu.Unlock()
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			mu.Lock()
			if done[cur] {
				mu.Unlock()
				continue
			}
			results[cur] = NodeResult{NodeID: cur, Status: StatusNotExecuted, Err: cause}
			done[cur] = true
			children := append([]string(nil), dependents[cur]...)
			mu.Unlock()
			queue = append(queue, children...)
		}
	}

	for {
		batch := ready()
		if len(batch) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, id := range batch {
			id := id
			node := nodes[id]
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					markDone(NodeResult{NodeID: id, Status: StatusNotExecuted, Err: err}, nil)
					return nil
				}

				if params.BeforeDispatch != nil {
					if err := params.BeforeDispatch(node); err != nil {
						markDone(NodeResult{NodeID: id, Status: StatusNotExecuted, Err: err}, nil)
						skipSubtree(id, err)
						return nil
					}
				}

				handler, ok := params.Registry.Lookup(node.Category, node.Type)
				if !ok {
					err := &NoHandlerError{NodeID: id, Category: node.Category, Type: node.Type}
					markDone(NodeResult{NodeID: id, Status: StatusFailed, Err: err}, nil)
					skipSubtree(id, err)
					return nil
				}
				if params.Wrap != nil {
					handler = params.Wrap(node, handler)
				}

				inputs := resolveInputs(def, id, outputs, &mu)

				observer.OnNodeStarted(node)
				start := time.Now()
				output, err := handler.Handle(ctx, inputs, node.Properties)
				duration := time.Since(start)

				if err != nil {
					markDone(NodeResult{NodeID: id, Status: StatusFailed, Err: err, Duration: duration}, nil)
					observer.OnNodeFailed(node, err, duration)
					skipSubtree(id, err)
					return nil
				}

				markDone(NodeResult{NodeID: id, Status: StatusCompleted, Output: output, Duration: duration}, output)
				observer.OnNodeCompleted(node, output, duration)
				return nil
			})
		}
		_ = g.Wait()
	}

	return results, nil
}

// resolveInputs gathers a node's input map by following its inbound edges,
// keyed by the stringified to_input_index (spec.md §4.8 "Dispatch").
func resolveInputs(def *WorkflowDefinition, nodeID string, outputs map[string]map[string]any, mu *sync.Mutex) map[string]any {
	mu.Lock()
	defer mu.Unlock()
	inputs := make(map[string]any)
	var inbound []Edge
	for _, e := range def.Edges {
		if e.ToNodeID == nodeID {
			inbound = append(inbound, e)
		}
	}
	sort.Slice(inbound, func(i, j int) bool { return inbound[i].ToInputIndex < inbound[j].ToInputIndex })
	for _, e := range inbound {
		fromOutput, ok := outputs[e.FromNodeID]
		if !ok {
			continue
		}
		key := strconv.Itoa(e.FromOutputIndex)
		if v, ok := fromOutput[key]; ok {
			inputs[strconv.Itoa(e.ToInputIndex)] = v
		}
	}
	return inputs
}

// IsFailed reports whether def's execution should be considered failed:
// any terminal node (one with no outbound edges) ended failed or
// not_executed, per spec.md §4.8.
func IsFailed(def *WorkflowDefinition, results map[string]NodeResult) bool {
	for id := range def.terminalNodes() {
		res := results[id]
		if res.Status == StatusFailed || res.Status == StatusNotExecuted {
			return true
		}
	}
	return false
}
