// Package config holds the typed, environment-selectable settings consumed
// by every other component, per SPEC_FULL.md §4.1.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ConfigError reports a structured configuration failure.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: field %q: %s", e.Field, e.Reason)
}

// Config is the complete, validated configuration for one process.
type Config struct {
	Environment string // "development" | "production"

	State      StateConfig
	Events     EventsConfig
	Log        LogConfig
	Resilience ResilienceConfig
	Emergency  EmergencyConfig
	WebSocket  WebSocketConfig
	Postgres   PostgresConfig
}

// StateConfig selects and configures the state store backend (C3).
type StateConfig struct {
	Backend  string // "memory" | "redis"
	RedisURL string
}

// EventsConfig selects and configures the event bus backend (C4).
type EventsConfig struct {
	Backend  string // "memory" | "redis"
	RedisURL string
}

// LogConfig configures the structured logger (C2).
type LogConfig struct {
	Format string // "console" | "json"
	Level  string
}

// ResilienceConfig configures retry/timeout/circuit-breaker defaults (C5).
type ResilienceConfig struct {
	RetryMaxAttempts       int
	RetryMinWaitSeconds    float64
	RetryMaxWaitSeconds    float64
	RetryMultiplier        float64
	CircuitFailureThreshold  int
	CircuitRecoveryTimeoutSeconds float64
	CircuitHalfOpenMaxCalls  int
	DefaultNodeTimeoutSeconds float64
}

// EmergencyConfig configures the safety controller's risk limits (C6).
type EmergencyConfig struct {
	DailyLossLimit     float64
	MaxPositionSize    float64
	MaxDrawdownPercent float64
	PersistState       bool
}

// WebSocketConfig configures the fan-out server (C10).
type WebSocketConfig struct {
	Host                  string
	Port                  int
	AuthToken             string
	RequireAuth           bool
	RecentEventsCapacity  int
	CORSAllowedOrigins    []string
}

// PostgresConfig configures the optional audit sink (C12). Only validated
// when AuditEnabled is true.
type PostgresConfig struct {
	AuditEnabled bool
	DSN          string
	MaxConns     int
}

// Load builds a Config for the named environment ("development" or
// "production"), reading overrides from environment variables, and
// validates it.
func Load(environment string) (*Config, error) {
	if environment == "" {
		environment = "development"
	}
	isProd := environment == "production"

	cfg := &Config{
		Environment: environment,
		State: StateConfig{
			Backend:  getEnv("STATE_BACKEND", "memory"),
			RedisURL: getEnv("REDIS_URL", ""),
		},
		Events: EventsConfig{
			Backend:  getEnv("EVENTS_BACKEND", "memory"),
			RedisURL: getEnv("REDIS_URL", ""),
		},
		Log: LogConfig{
			Format: getEnv("LOG_FORMAT", "console"),
			Level:  getEnv("LOG_LEVEL", "info"),
		},
		Resilience: ResilienceConfig{
			RetryMaxAttempts:              getEnvInt("RETRY_MAX_ATTEMPTS", defaultInt(isProd, 3, 2)),
			RetryMinWaitSeconds:           getEnvFloat("RETRY_MIN_WAIT_SECONDS", 0.5),
			RetryMaxWaitSeconds:           getEnvFloat("RETRY_MAX_WAIT_SECONDS", 10),
			RetryMultiplier:               getEnvFloat("RETRY_MULTIPLIER", 2.0),
			CircuitFailureThreshold:       getEnvInt("CIRCUIT_FAILURE_THRESHOLD", defaultInt(isProd, 10, 5)),
			CircuitRecoveryTimeoutSeconds: getEnvFloat("CIRCUIT_RECOVERY_TIMEOUT_SECONDS", 30),
			CircuitHalfOpenMaxCalls:       getEnvInt("CIRCUIT_HALF_OPEN_MAX_CALLS", 3),
			DefaultNodeTimeoutSeconds:     getEnvFloat("DEFAULT_NODE_TIMEOUT_SECONDS", 30),
		},
		Emergency: EmergencyConfig{
			DailyLossLimit:     getEnvFloat("DAILY_LOSS_LIMIT", -1000),
			MaxPositionSize:    getEnvFloat("MAX_POSITION_SIZE", 10000),
			MaxDrawdownPercent: getEnvFloat("MAX_DRAWDOWN_PERCENT", 20),
			PersistState:       getEnvBool("EMERGENCY_PERSIST_STATE", false),
		},
		WebSocket: WebSocketConfig{
			Host:                 getEnv("WS_HOST", "0.0.0.0"),
			Port:                 getEnvInt("WS_PORT", 8090),
			AuthToken:            getEnv("WS_AUTH_TOKEN", ""),
			RequireAuth:          getEnvBool("WS_REQUIRE_AUTH", isProd),
			RecentEventsCapacity: getEnvInt("WS_RECENT_EVENTS_CAPACITY", 100),
			CORSAllowedOrigins:   getEnvSlice("WS_CORS_ALLOWED_ORIGINS", defaultOrigins(isProd)),
		},
		Postgres: PostgresConfig{
			AuditEnabled: getEnvBool("AUDIT_ENABLED", false),
			DSN:          getEnv("POSTGRES_DSN", ""),
			MaxConns:     getEnvInt("POSTGRES_MAX_CONNS", 10),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field and range invariants, returning a *ConfigError
// naming the first violation found.
func (c *Config) Validate() error {
	if c.State.Backend != "memory" && c.State.Backend != "redis" {
		return &ConfigError{"state_backend", "must be memory or redis"}
	}
	if c.State.Backend == "redis" && c.State.RedisURL == "" {
		return &ConfigError{"redis_url", "required when state_backend=redis"}
	}
	if c.Events.Backend != "memory" && c.Events.Backend != "redis" {
		return &ConfigError{"events_backend", "must be memory or redis"}
	}
	if c.Events.Backend == "redis" && c.Events.RedisURL == "" {
		return &ConfigError{"redis_url", "required when events_backend=redis"}
	}
	if c.Resilience.RetryMaxAttempts < 1 {
		return &ConfigError{"retry_max_attempts", "must be >= 1"}
	}
	if c.Resilience.RetryMultiplier < 1 {
		return &ConfigError{"retry_multiplier", "must be >= 1"}
	}
	if c.Resilience.CircuitFailureThreshold < 1 {
		return &ConfigError{"circuit_failure_threshold", "must be > 0"}
	}
	if c.Resilience.CircuitRecoveryTimeoutSeconds <= 0 {
		return &ConfigError{"circuit_recovery_timeout_seconds", "must be > 0"}
	}
	if c.Resilience.CircuitHalfOpenMaxCalls < 1 {
		return &ConfigError{"circuit_half_open_max_calls", "must be > 0"}
	}
	if c.Resilience.DefaultNodeTimeoutSeconds <= 0 {
		return &ConfigError{"default_node_timeout_seconds", "must be > 0"}
	}
	if c.Emergency.DailyLossLimit >= 0 {
		return &ConfigError{"daily_loss_limit", "must be negative"}
	}
	if c.WebSocket.Port < 1 || c.WebSocket.Port > 65535 {
		return &ConfigError{"ws_port", "must be a valid port"}
	}
	if c.WebSocket.RecentEventsCapacity < 1 {
		return &ConfigError{"recent_events_capacity", "must be > 0"}
	}
	if c.Postgres.AuditEnabled && c.Postgres.DSN == "" {
		return &ConfigError{"postgres_dsn", "required when audit_enabled=true"}
	}
	return nil
}

func defaultInt(prod bool, prodVal, devVal int) int {
	if prod {
		return prodVal
	}
	return devVal
}

func defaultOrigins(prod bool) []string {
	if prod {
		return []string{}
	}
	return []string{"*"}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvSlice(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
