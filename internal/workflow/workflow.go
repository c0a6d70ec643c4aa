// Package workflow implements the Enhanced Workflow Runtime (C9): the
// orchestrator that mints an execution ID, asserts emergency
// preconditions, applies per-category resilience wrapping, runs the DAG
// through the graph executor, persists progress, and publishes lifecycle
// events, per SPEC_FULL.md §4.9.
package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/stratengine/internal/audit"
	"github.com/lyzr/stratengine/internal/correlation"
	"github.com/lyzr/stratengine/internal/emergency"
	"github.com/lyzr/stratengine/internal/events"
	"github.com/lyzr/stratengine/internal/graph"
	"github.com/lyzr/stratengine/internal/infra"
	"github.com/lyzr/stratengine/internal/resilience"
)

// ErrorInfo is the {kind, message} shape attached to a failed/halted
// ExecutionRecord and its terminal event, per spec.md §7.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ExecutionRecord is the persisted and returned outcome of one Execute
// call, per spec.md §3.
type ExecutionRecord struct {
	ExecutionID       string           `json:"execution_id"`
	WorkflowID        string           `json:"workflow_id"`
	BotID             string           `json:"bot_id,omitempty"`
	StrategyID        string           `json:"strategy_id,omitempty"`
	StartedAt         time.Time        `json:"started_at"`
	EndedAt           time.Time        `json:"ended_at,omitempty"`
	Status            string           `json:"status"` // running | completed | failed | halted
	PerNodeOutput     map[string]any   `json:"per_node_output"`
	PerNodeDurationMs map[string]int64 `json:"per_node_duration_ms"`
	Error             *ErrorInfo       `json:"error,omitempty"`
}

const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusHalted    = "halted"
)

// Runtime is one (workflow_definition, workflow_id, bot_id?, strategy_id?)
// tuple. Execute runs it once; construct a new Runtime per execution
// attempt if you need to re-run the same definition.
type Runtime struct {
	Definition *graph.WorkflowDefinition
	Registry   *graph.HandlerRegistry
	Assembly   *infra.Assembly

	WorkflowID string
	BotID      string
	StrategyID string

	mu          sync.Mutex
	initialized bool
	breaker     *resilience.CircuitBreaker

	cancelMu sync.Mutex
	cancel   context.CancelFunc
	canceled atomic.Bool
}

// Initialize validates the definition and registers the per-workflow
// circuit breaker named "api:{workflow_id}". Idempotent.
func (r *Runtime) Initialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		return nil
	}
	if r.WorkflowID == "" {
		return fmt.Errorf("workflow: workflow_id is required")
	}
	if _, err := topoCheck(r.Definition); err != nil {
		return err
	}
	r.breaker = r.Assembly.Breaker(fmt.Sprintf("api:%s", r.WorkflowID))
	r.initialized = true
	return nil
}

func topoCheck(def *graph.WorkflowDefinition) (map[string]graph.NodeResult, error) {
	// Cheap pre-flight cycle check so Initialize fails fast; Execute still
	// re-checks via graph.Execute as the authoritative gate.
	return graph.Execute(context.Background(), graph.RunParams{
		Definition: def,
		Registry:   graph.NewHandlerRegistry(),
		BeforeDispatch: func(graph.Node) error {
			return errPreflightStop
		},
	})
}

var errPreflightStop = fmt.Errorf("workflow: preflight stop")

// Execute runs the workflow once, per the steps in spec.md §4.9.
func (r *Runtime) Execute(ctx context.Context) (*ExecutionRecord, error) {
	if err := r.Initialize(); err != nil {
		return nil, err
	}

	executionID := newExecutionID(r.WorkflowID)
	ctx = correlation.WithID(ctx, executionID)
	ctx = infra.WithContext(ctx, r.Assembly)

	runCtx, cancel := context.WithCancel(ctx)
	r.cancelMu.Lock()
	r.cancel = cancel
	r.cancelMu.Unlock()
	defer cancel()

	record := &ExecutionRecord{
		ExecutionID:       executionID,
		WorkflowID:        r.WorkflowID,
		BotID:             r.BotID,
		StrategyID:        r.StrategyID,
		StartedAt:         time.Now().UTC(),
		PerNodeOutput:     make(map[string]any),
		PerNodeDurationMs: make(map[string]int64),
	}

	log := r.Assembly.Logger.WithCorrelation(runCtx)

	hasActions := false
	for _, n := range r.Definition.Nodes {
		if n.Category == graph.CategoryActions {
			hasActions = true
			break
		}
	}

	if err := r.Assembly.Emergency.AssertCanOperate(); err != nil {
		return r.finishHalted(runCtx, record, err)
	}
	if hasActions {
		if err := r.Assembly.Emergency.AssertCanTrade(); err != nil {
			return r.finishHalted(runCtx, record, err)
		}
	}

	record.Status = StatusRunning
	r.persistStatus(runCtx, record)

	r.publish(runCtx, events.TypeExecutionStarted, record, map[string]any{
		"node_count": len(r.Definition.Nodes),
	})

	observer := &runtimeObserver{runtime: r, ctx: runCtx, record: record}

	results, err := graph.Execute(runCtx, graph.RunParams{
		Definition:     r.Definition,
		Registry:       r.Registry,
		Observer:       observer,
		Wrap:           r.wrapForCategory,
		BeforeDispatch: r.beforeDispatch(runCtx),
	})
	if err != nil {
		// Structural failure: cycle or similar. No node events were
		// emitted (graph.Execute returns before dispatching anything).
		log.ErrorContext(runCtx, "workflow structural failure", "error", err.Error())
		return nil, err
	}

	for id, res := range results {
		record.PerNodeOutput[id] = res.Output
		record.PerNodeDurationMs[id] = res.Duration.Milliseconds()
	}

	if haltErr := firstEmergencyHalt(results); haltErr != nil {
		record.Status = StatusHalted
		record.Error = &ErrorInfo{Kind: "EmergencyHalted", Message: haltErr.Error()}
	} else if graph.IsFailed(r.Definition, results) {
		record.Status = StatusFailed
		record.Error = &ErrorInfo{Kind: "NodeFailure", Message: firstFailureMessage(results)}
	} else {
		record.Status = StatusCompleted
	}
	record.EndedAt = time.Now().UTC()

	r.persistStatus(runCtx, record)
	r.persistResult(runCtx, record)

	terminalType := events.TypeExecutionCompleted
	switch record.Status {
	case StatusFailed:
		terminalType = events.TypeExecutionFailed
	case StatusHalted:
		terminalType = events.TypeExecutionHalted
	}
	payload := map[string]any{"status": record.Status}
	if record.Error != nil {
		payload["error"] = record.Error
	}
	r.publish(runCtx, terminalType, record, payload)

	r.recordAudit(record)

	if record.Status == StatusHalted {
		return record, &emergency.EmergencyHalted{State: r.Assembly.Emergency.State(), Reason: "execution halted mid-run"}
	}
	return record, nil
}

// Cancel requests cooperative cancellation: C8 stops dispatching new
// nodes, but already-started handlers run to completion unless they
// themselves observe ctx.Done().
func (r *Runtime) Cancel() {
	r.canceled.Store(true)
	r.cancelMu.Lock()
	defer r.cancelMu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Runtime) finishHalted(ctx context.Context, record *ExecutionRecord, cause error) (*ExecutionRecord, error) {
	record.Status = StatusHalted
	record.Error = &ErrorInfo{Kind: "EmergencyHalted", Message: cause.Error()}
	record.EndedAt = time.Now().UTC()
	r.persistStatus(ctx, record)
	r.persistResult(ctx, record)
	r.publish(ctx, events.TypeExecutionHalted, record, map[string]any{"status": record.Status, "error": record.Error})
	r.recordAudit(record)
	return record, cause
}

// beforeDispatch re-asserts CanTrade before every actions-category node,
// per spec.md §4.9's mid-run halt rule.
func (r *Runtime) beforeDispatch(ctx context.Context) graph.BeforeDispatchFunc {
	return func(node graph.Node) error {
		if r.canceled.Load() {
			return ctx.Err()
		}
		if node.Category != graph.CategoryActions {
			return nil
		}
		return r.Assembly.Emergency.AssertCanTrade()
	}
}

// wrapForCategory applies C9's per-category resilience wrapping before a
// handler reaches the graph executor, per spec.md §4.9 step 5.
func (r *Runtime) wrapForCategory(node graph.Node, handler graph.Handler) graph.Handler {
	timeout := r.nodeTimeout(node)

	switch node.Category {
	case graph.CategoryProviders:
		return graph.HandlerFunc(func(ctx context.Context, inputs, properties map[string]any) (map[string]any, error) {
			retryCfg := resilience.RetryConfig{
				MaxAttempts: r.Assembly.Config.Resilience.RetryMaxAttempts,
				MinWait:     secondsToDuration(r.Assembly.Config.Resilience.RetryMinWaitSeconds),
				MaxWait:     secondsToDuration(r.Assembly.Config.Resilience.RetryMaxWaitSeconds),
				Multiplier:  r.Assembly.Config.Resilience.RetryMultiplier,
			}
			return resilience.WithRetry(ctx, retryCfg, func(ctx context.Context) (map[string]any, error) {
				return resilience.WithTimeout(ctx, timeout, func(ctx context.Context) (map[string]any, error) {
					return resilience.Execute(ctx, r.breaker, func(ctx context.Context) (map[string]any, error) {
						return handler.Handle(ctx, inputs, properties)
					})
				})
			})
		})
	default:
		// conditions, triggers, actions, risk: timeout only — no retry,
		// since these are not idempotent (spec.md §4.9 step 5). Risk
		// handlers report breaches to C6 themselves (see C11), via the
		// infrastructure reference available through infra.FromContext.
		return graph.HandlerFunc(func(ctx context.Context, inputs, properties map[string]any) (map[string]any, error) {
			return resilience.WithTimeout(ctx, timeout, func(ctx context.Context) (map[string]any, error) {
				return handler.Handle(ctx, inputs, properties)
			})
		})
	}
}

func (r *Runtime) nodeTimeout(node graph.Node) time.Duration {
	if node.Timeout != nil {
		return *node.Timeout
	}
	return r.defaultTimeout()
}

func (r *Runtime) defaultTimeout() time.Duration {
	return secondsToDuration(r.Assembly.Config.Resilience.DefaultNodeTimeoutSeconds)
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

func (r *Runtime) persistStatus(ctx context.Context, record *ExecutionRecord) {
	if r.Assembly.State == nil {
		return
	}
	key := fmt.Sprintf("workflow:%s:execution:%s:status", record.WorkflowID, record.ExecutionID)
	if err := r.Assembly.State.Set(ctx, key, record.Status); err != nil {
		r.Assembly.Logger.WithCorrelation(ctx).WarnContext(ctx, "state write failed", "key", key, "error", err.Error())
	}
	latestKey := fmt.Sprintf("workflow:%s:latest_execution", record.WorkflowID)
	_ = r.Assembly.State.Set(ctx, latestKey, record.ExecutionID)
}

func (r *Runtime) persistResult(ctx context.Context, record *ExecutionRecord) {
	if r.Assembly.State == nil {
		return
	}
	key := fmt.Sprintf("workflow:%s:execution:%s:result", record.WorkflowID, record.ExecutionID)
	if err := r.Assembly.State.Set(ctx, key, record); err != nil {
		r.Assembly.Logger.WithCorrelation(ctx).WarnContext(ctx, "state write failed", "key", key, "error", err.Error())
	}
}

func (r *Runtime) publish(ctx context.Context, eventType string, record *ExecutionRecord, extra map[string]any) {
	if r.Assembly.Events == nil {
		return
	}
	payload := map[string]any{
		"execution_id": record.ExecutionID,
		"workflow_id":  record.WorkflowID,
	}
	if record.BotID != "" {
		payload["bot_id"] = record.BotID
	}
	if record.StrategyID != "" {
		payload["strategy_id"] = record.StrategyID
	}
	for k, v := range extra {
		payload[k] = v
	}
	if err := r.Assembly.Events.Publish(ctx, events.WorkflowEventsChannel, events.New(eventType, events.WorkflowEventsChannel, payload)); err != nil {
		r.Assembly.Logger.WithCorrelation(ctx).WarnContext(ctx, "event publish failed", "type", eventType, "error", err.Error())
	}
}

// recordAudit fires a best-effort, non-blocking write to C12's audit sink,
// per SPEC_FULL.md §4.9's addition. It never affects Execute's return
// value or timing.
func (r *Runtime) recordAudit(record *ExecutionRecord) {
	if r.Assembly.Audit == nil {
		return
	}
	rec := audit.Record{
		ExecutionID: record.ExecutionID,
		WorkflowID:  record.WorkflowID,
		BotID:       record.BotID,
		StrategyID:  record.StrategyID,
		Status:      record.Status,
		StartedAt:   record.StartedAt,
		EndedAt:     record.EndedAt,
		NodeCount:   len(r.Definition.Nodes),
	}
	if record.Error != nil {
		rec.ErrorKind = record.Error.Kind
		rec.ErrorMessage = record.Error.Message
	}
	sink := r.Assembly.Audit
	go sink.Record(context.Background(), rec)
}

// runtimeObserver projects C8's node lifecycle callbacks onto the event
// bus, per spec.md §4.9 step 4.
type runtimeObserver struct {
	runtime *Runtime
	ctx     context.Context
	record  *ExecutionRecord
}

func (o *runtimeObserver) OnNodeStarted(node graph.Node) {
	o.runtime.publish(o.ctx, events.TypeNodeStarted, o.record, map[string]any{"node_id": node.ID})
}

func (o *runtimeObserver) OnNodeCompleted(node graph.Node, output map[string]any, duration time.Duration) {
	o.runtime.publish(o.ctx, events.TypeNodeCompleted, o.record, map[string]any{
		"node_id": node.ID, "output": output, "duration_ms": duration.Milliseconds(),
	})
}

func (o *runtimeObserver) OnNodeFailed(node graph.Node, err error, duration time.Duration) {
	o.runtime.publish(o.ctx, events.TypeNodeFailed, o.record, map[string]any{
		"node_id": node.ID, "error": err.Error(), "duration_ms": duration.Milliseconds(),
	})
}

func newExecutionID(workflowID string) string {
	raw := strings.ReplaceAll(uuid.New().String(), "-", "")
	return fmt.Sprintf("exec_%s_%s", workflowID, raw[:8])
}

func firstEmergencyHalt(results map[string]graph.NodeResult) *emergency.EmergencyHalted {
	for _, res := range results {
		var halted *emergency.EmergencyHalted
		if res.Err != nil {
			if e, ok := res.Err.(*emergency.EmergencyHalted); ok {
				halted = e
			}
		}
		if halted != nil {
			return halted
		}
	}
	return nil
}

func firstFailureMessage(results map[string]graph.NodeResult) string {
	for id, res := range results {
		if res.Status == graph.StatusFailed || res.Status == graph.StatusNotExecuted {
			if res.Err != nil {
				return fmt.Sprintf("node %s: %s", id, res.Err.Error())
			}
		}
	}
	return "one or more nodes failed"
}
