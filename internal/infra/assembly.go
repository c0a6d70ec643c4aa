// Package infra wires C1-C6 into the single Assembly object every other
// subsystem receives by reference, per SPEC_FULL.md §4.7. There are no
// module-level globals: every subsystem that needs state, events,
// resilience, or the emergency controller gets them from here.
package infra

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lyzr/stratengine/internal/audit"
	"github.com/lyzr/stratengine/internal/config"
	"github.com/lyzr/stratengine/internal/emergency"
	"github.com/lyzr/stratengine/internal/eventbus"
	"github.com/lyzr/stratengine/internal/logging"
	"github.com/lyzr/stratengine/internal/resilience"
	"github.com/lyzr/stratengine/internal/statestore"
)

// Assembly aggregates fully-initialized instances of C2-C6 plus a factory
// for named circuit breakers. Everything downstream receives *Assembly by
// reference and never constructs its own backends.
type Assembly struct {
	Config *config.Config
	Logger *logging.Logger
	State  statestore.Store
	Events eventbus.Bus
	Emergency *emergency.Controller
	Audit  audit.Sink // nil unless Config.Postgres.AuditEnabled

	mu          sync.Mutex
	initialized bool
	breakers    map[string]*resilience.CircuitBreaker

	redisState  *redis.Client
	redisEvents *redis.Client
}

type contextKey struct{}

var assemblyKey = contextKey{}

// WithContext returns a context carrying a reference to a, so node
// handlers can reach infrastructure (e.g. to publish auxiliary events)
// without it being threaded through every function signature.
func WithContext(ctx context.Context, a *Assembly) context.Context {
	return context.WithValue(ctx, assemblyKey, a)
}

// FromContext returns the Assembly stored by WithContext, or nil if none.
func FromContext(ctx context.Context) *Assembly {
	a, _ := ctx.Value(assemblyKey).(*Assembly)
	return a
}

// New builds an unstarted Assembly from cfg. Call Initialize before using
// it.
func New(cfg *config.Config) *Assembly {
	return &Assembly{
		Config:   cfg,
		Logger:   logging.New(cfg.Log.Level, cfg.Log.Format),
		breakers: make(map[string]*resilience.CircuitBreaker),
	}
}

// Initialize brings up the state store and event bus first, then the
// emergency controller (which may read persisted state), then the
// Postgres audit sink if enabled. Idempotent: a second call is a no-op
// returning nil, leaving the first call's instances untouched.
func (a *Assembly) Initialize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.initialized {
		return nil
	}

	state, redisState, err := buildStateStore(a.Config.State)
	if err != nil {
		return fmt.Errorf("infra: state store: %w", err)
	}
	a.State = state
	a.redisState = redisState

	bus, redisEvents, err := buildEventBus(a.Config.Events, a.Logger)
	if err != nil {
		return fmt.Errorf("infra: event bus: %w", err)
	}
	a.Events = bus
	a.redisEvents = redisEvents

	a.Emergency = emergency.New(ctx, emergency.Config{
		DailyLossLimit:     a.Config.Emergency.DailyLossLimit,
		MaxPositionSize:    a.Config.Emergency.MaxPositionSize,
		MaxDrawdownPercent: a.Config.Emergency.MaxDrawdownPercent,
		PersistState:       a.Config.Emergency.PersistState,
	}, a.State, a.Events)

	if a.Config.Postgres.AuditEnabled {
		sink, err := audit.NewPostgres(ctx, a.Config.Postgres.DSN, int32(a.Config.Postgres.MaxConns), a.Logger)
		if err != nil {
			return fmt.Errorf("infra: audit sink: %w", err)
		}
		a.Audit = sink
	}

	a.initialized = true
	return nil
}

func buildStateStore(cfg config.StateConfig) (statestore.Store, *redis.Client, error) {
	switch cfg.Backend {
	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		client := redis.NewClient(opts)
		return statestore.NewRedis(client), client, nil
	default:
		return statestore.NewMemory(), nil, nil
	}
}

func buildEventBus(cfg config.EventsConfig, logger *logging.Logger) (eventbus.Bus, *redis.Client, error) {
	switch cfg.Backend {
	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		client := redis.NewClient(opts)
		return eventbus.NewRedis(client, logger), client, nil
	default:
		return eventbus.NewMemory(logger), nil, nil
	}
}

// Breaker returns the named circuit breaker, creating it on first use from
// the assembly's resilience configuration. Memoized: the same name always
// returns the same instance.
func (a *Assembly) Breaker(name string) *resilience.CircuitBreaker {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cb, ok := a.breakers[name]; ok {
		return cb
	}
	cfg := a.Config.Resilience
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:                name,
		FailureThreshold:    uint32(cfg.CircuitFailureThreshold),
		RecoveryTimeout:     time.Duration(cfg.CircuitRecoveryTimeoutSeconds * float64(time.Second)),
		HalfOpenMaxRequests: uint32(cfg.CircuitHalfOpenMaxCalls),
	})
	a.breakers[name] = cb
	return cb
}

// Shutdown tears down backends in reverse initialization order.
func (a *Assembly) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.initialized {
		return nil
	}

	if a.Audit != nil {
		a.Audit.Close()
	}
	if a.Events != nil {
		_ = a.Events.Close()
	}
	if a.redisEvents != nil {
		_ = a.redisEvents.Close()
	}
	if a.redisState != nil {
		_ = a.redisState.Close()
	}

	a.initialized = false
	return nil
}
