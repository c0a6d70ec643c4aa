// Package emergency implements the four-state safety machine and
// risk-limit registry described in SPEC_FULL.md §4.6: the authority every
// trading-capable node must clear before it is allowed to run.
package emergency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lyzr/stratengine/internal/events"
	"github.com/lyzr/stratengine/internal/eventbus"
	"github.com/lyzr/stratengine/internal/statestore"
)

// State is one of the four safety states.
type State string

const (
	StateNormal   State = "NORMAL"
	StateAlert    State = "ALERT"
	StateHalt     State = "HALT"
	StateShutdown State = "SHUTDOWN"
)

// EmergencyHalted is raised by AssertCanOperate/AssertCanTrade when the
// corresponding predicate fails.
type EmergencyHalted struct {
	State  State
	Reason string
}

func (e *EmergencyHalted) Error() string {
	return fmt.Sprintf("emergency: operation rejected in state %s: %s", e.State, e.Reason)
}

// Transition is one append-only EmergencyEventLog entry.
type Transition struct {
	From      State          `json:"from"`
	To        State          `json:"to"`
	Reason    string         `json:"reason"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// RiskLimit is one registered entry of the RiskLimitTable.
type RiskLimit struct {
	Name         string  `json:"name"`
	LimitValue   float64 `json:"limit_value"`
	CurrentValue float64 `json:"current_value"`
	AutoHalt     bool    `json:"auto_halt"`
}

// CheckResult reports whether the latest observation is within limits and
// how close it sits to the boundary.
type CheckResult struct {
	OK          bool    `json:"ok"`
	Utilization float64 `json:"utilization"`
}

// persistedState is the snapshot written to state_backend when PersistState
// is enabled (spec.md §3 "emergency:state" / "emergency:risk_limits").
type persistedState struct {
	State  State                `json:"state"`
	Limits map[string]RiskLimit `json:"limits"`
}

const (
	stateKey  = "emergency:state"
	limitsKey = "emergency:risk_limits"
)

// Controller is the single-writer emergency authority: every mutation holds
// mu for its duration so readers always observe a consistent (state,
// risk_limits) pair, per spec.md §7.
type Controller struct {
	mu sync.Mutex

	state  State
	limits map[string]RiskLimit
	log    []Transition

	store         statestore.Store
	bus           eventbus.Bus
	persistState  bool
	dailyLossName string
}

// Config seeds the controller's initial risk limits and persistence mode.
type Config struct {
	DailyLossLimit     float64
	MaxPositionSize    float64
	MaxDrawdownPercent float64
	PersistState       bool
}

// New constructs a Controller in state NORMAL with the configured risk
// limits pre-registered, then attempts to restore persisted state if
// cfg.PersistState is set (spec.md §4.7: "emergency last so it may read
// persisted state").
func New(ctx context.Context, cfg Config, store statestore.Store, bus eventbus.Bus) *Controller {
	c := &Controller{
		state:         StateNormal,
		limits:        make(map[string]RiskLimit),
		store:         store,
		bus:           bus,
		persistState:  cfg.PersistState,
		dailyLossName: "daily_loss",
	}
	c.registerLocked(RiskLimit{Name: "daily_loss", LimitValue: cfg.DailyLossLimit, AutoHalt: true})
	c.registerLocked(RiskLimit{Name: "max_position_size", LimitValue: cfg.MaxPositionSize, AutoHalt: true})
	c.registerLocked(RiskLimit{Name: "max_drawdown_percent", LimitValue: cfg.MaxDrawdownPercent, AutoHalt: true})

	if cfg.PersistState && store != nil {
		var persisted persistedState
		if found, err := store.Get(ctx, stateKey, &persisted); err == nil && found {
			c.state = persisted.State
			for name, limit := range persisted.Limits {
				c.limits[name] = limit
			}
		}
	}
	return c
}

func (c *Controller) registerLocked(limit RiskLimit) {
	c.limits[limit.Name] = limit
}

// CanOperate reports whether the system may run any workflow node at all.
func (c *Controller) CanOperate() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != StateShutdown
}

// CanTrade reports whether trading-capable ("actions") nodes may run.
func (c *Controller) CanTrade() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateNormal || c.state == StateAlert
}

// State returns the controller's current safety state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AssertCanOperate returns *EmergencyHalted if CanOperate is false.
func (c *Controller) AssertCanOperate() error {
	if c.CanOperate() {
		return nil
	}
	return &EmergencyHalted{State: c.State(), Reason: "system is in SHUTDOWN"}
}

// AssertCanTrade returns *EmergencyHalted if CanTrade is false.
func (c *Controller) AssertCanTrade() error {
	if c.CanTrade() {
		return nil
	}
	return &EmergencyHalted{State: c.State(), Reason: "trading is not permitted in current state"}
}

// Alert transitions NORMAL -> ALERT.
func (c *Controller) Alert(ctx context.Context, reason string) error {
	return c.transition(ctx, StateAlert, reason, nil)
}

// Halt transitions NORMAL or ALERT -> HALT.
func (c *Controller) Halt(ctx context.Context, reason string) error {
	return c.transition(ctx, StateHalt, reason, nil)
}

// Resume transitions ALERT or HALT -> NORMAL.
func (c *Controller) Resume(ctx context.Context, reason string) error {
	return c.transition(ctx, StateNormal, reason, nil)
}

// Shutdown transitions any non-terminal state -> SHUTDOWN.
func (c *Controller) Shutdown(ctx context.Context, reason string) error {
	return c.transition(ctx, StateShutdown, reason, nil)
}

// allowedTransitions encodes the table in spec.md §4.6.
var allowedTransitions = map[State]map[State]bool{
	StateNormal: {StateAlert: true, StateHalt: true, StateShutdown: true},
	StateAlert:  {StateNormal: true, StateHalt: true, StateShutdown: true},
	StateHalt:   {StateNormal: true, StateShutdown: true},
}

func (c *Controller) transition(ctx context.Context, to State, reason string, metadata map[string]any) error {
	c.mu.Lock()
	from := c.state
	if from == StateShutdown {
		c.mu.Unlock()
		return fmt.Errorf("emergency: transition from SHUTDOWN is forbidden")
	}
	if from == to {
		c.mu.Unlock()
		return nil
	}
	if !allowedTransitions[from][to] {
		c.mu.Unlock()
		return fmt.Errorf("emergency: transition %s -> %s is forbidden", from, to)
	}

	c.state = to
	entry := Transition{From: from, To: to, Reason: reason, Timestamp: time.Now().UTC(), Metadata: metadata}
	c.log = append(c.log, entry)
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	c.persist(ctx, snapshot)
	c.publishTransition(ctx, entry)
	return nil
}

// RegisterLimit adds or replaces a risk limit in the RiskLimitTable.
func (c *Controller) RegisterLimit(ctx context.Context, name string, limitValue float64, autoHalt bool) {
	c.mu.Lock()
	existing := c.limits[name]
	c.limits[name] = RiskLimit{Name: name, LimitValue: limitValue, CurrentValue: existing.CurrentValue, AutoHalt: autoHalt}
	snapshot := c.snapshotLocked()
	c.mu.Unlock()
	c.persist(ctx, snapshot)
}

// CheckLimit records currentValue against the named limit. If the limit is
// violated and configured with auto_halt, the controller transitions to
// HALT with a structured reason citing the limit (spec.md §4.6).
func (c *Controller) CheckLimit(ctx context.Context, name string, currentValue float64) (CheckResult, error) {
	c.mu.Lock()
	limit, ok := c.limits[name]
	if !ok {
		c.mu.Unlock()
		return CheckResult{}, fmt.Errorf("emergency: unknown risk limit %q", name)
	}
	limit.CurrentValue = currentValue
	c.limits[name] = limit

	violated := violatesLimit(limit)
	utilization := utilizationOf(limit)
	shouldHalt := violated && limit.AutoHalt && c.state != StateShutdown && c.state != StateHalt
	snapshot := c.snapshotLocked()

	var entry *Transition
	if shouldHalt {
		from := c.state
		c.state = StateHalt
		reason := fmt.Sprintf("risk limit %q breached: current=%.4f limit=%.4f", name, currentValue, limit.LimitValue)
		e := Transition{From: from, To: StateHalt, Reason: reason, Timestamp: time.Now().UTC(), Metadata: map[string]any{"limit_name": name}}
		c.log = append(c.log, e)
		entry = &e
		snapshot = c.snapshotLocked()
	}
	c.mu.Unlock()

	c.persist(ctx, snapshot)
	if entry != nil {
		c.publishTransition(ctx, *entry)
	}

	return CheckResult{OK: !violated, Utilization: utilization}, nil
}

// violatesLimit implements spec.md §4.6's asymmetric violation rule: a
// negative limit_value is a loss floor (violated when current_value sinks
// to or below it); a positive limit_value is violated when current_value
// rises to or above it.
func violatesLimit(limit RiskLimit) bool {
	if limit.LimitValue < 0 {
		return limit.CurrentValue <= limit.LimitValue
	}
	return limit.CurrentValue >= limit.LimitValue
}

func utilizationOf(limit RiskLimit) float64 {
	if limit.LimitValue == 0 {
		return 0
	}
	return limit.CurrentValue / limit.LimitValue
}

// EventLog returns a copy of the append-only transition history.
func (c *Controller) EventLog() []Transition {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Transition, len(c.log))
	copy(out, c.log)
	return out
}

// Limits returns a copy of the current RiskLimitTable.
func (c *Controller) Limits() map[string]RiskLimit {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]RiskLimit, len(c.limits))
	for k, v := range c.limits {
		out[k] = v
	}
	return out
}

func (c *Controller) snapshotLocked() persistedState {
	limits := make(map[string]RiskLimit, len(c.limits))
	for k, v := range c.limits {
		limits[k] = v
	}
	return persistedState{State: c.state, Limits: limits}
}

func (c *Controller) persist(ctx context.Context, snapshot persistedState) {
	if !c.persistState || c.store == nil {
		return
	}
	_ = c.store.Set(ctx, stateKey, snapshot)
	_ = c.store.Set(ctx, limitsKey, snapshot.Limits)
}

func (c *Controller) publishTransition(ctx context.Context, entry Transition) {
	if c.bus == nil {
		return
	}
	payload := map[string]any{
		"from":     string(entry.From),
		"to":       string(entry.To),
		"reason":   entry.Reason,
		"metadata": entry.Metadata,
	}
	_ = c.bus.Publish(ctx, events.WorkflowEventsChannel, events.New(events.TypeEmergencyStateChanged, events.WorkflowEventsChannel, payload))
}
