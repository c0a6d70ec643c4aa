// Command engine is the minimal launcher that wires the strategy workflow
// execution engine's infrastructure together and exposes the WebSocket
// fan-out server, per SPEC_FULL.md §7. It is intentionally thin: the REST
// admin API and the DAG editor that would submit workflow definitions are
// external collaborators (spec.md Non-goals) and are not implemented here.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/lyzr/stratengine/internal/config"
	"github.com/lyzr/stratengine/internal/graph"
	"github.com/lyzr/stratengine/internal/infra"
	"github.com/lyzr/stratengine/internal/nodes/condition"
	"github.com/lyzr/stratengine/internal/nodes/risk"
	"github.com/lyzr/stratengine/internal/wsfanout"
)

const (
	exitOK          = 0
	exitConfigError = 1
	exitInfraError  = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	environment := os.Getenv("ENVIRONMENT")

	cfg, err := config.Load(environment)
	if err != nil {
		// A *ConfigError or any other Load failure means the process
		// never had a valid configuration to start from.
		fmt.Fprintln(os.Stderr, "engine: configuration error:", err)
		return exitConfigError
	}

	assembly := infra.New(cfg)
	log := assembly.Logger.WithFields(map[string]any{"component": "engine"})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := assembly.Initialize(ctx); err != nil {
		log.ErrorContext(ctx, "infrastructure initialization failed", "error", err)
		return exitInfraError
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := assembly.Shutdown(shutdownCtx); err != nil {
			log.ErrorContext(shutdownCtx, "shutdown error", "error", err)
		}
	}()

	registry := graph.NewHandlerRegistry()
	registerBuiltinHandlers(registry)

	hub := wsfanout.NewHub(wsfanout.Config{
		RequireAuth:          cfg.WebSocket.RequireAuth,
		AuthToken:            cfg.WebSocket.AuthToken,
		RecentEventsCapacity: cfg.WebSocket.RecentEventsCapacity,
	})
	go hub.Run()

	sub, err := hub.Attach(ctx, assembly.Events)
	if err != nil {
		log.ErrorContext(ctx, "failed to attach fan-out hub to event bus", "error", err)
		return exitInfraError
	}
	defer sub.Unsubscribe()

	server := wsfanout.NewServer(hub, wsfanout.Dependencies{
		State:     assembly.State,
		Events:    assembly.Events,
		Emergency: assembly.Emergency,
	})

	addr := cfg.WebSocket.Host + ":" + strconv.Itoa(cfg.WebSocket.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.Handler(),
		ReadTimeout:  0,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.InfoContext(ctx, "engine listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	// registry now holds the built-in condition/risk handlers; a
	// workflow.Runtime is constructed per execution by the (external)
	// caller that supplies a WorkflowDefinition and the provider/action/
	// trigger handlers alongside these built-ins.
	select {
	case <-ctx.Done():
		log.InfoContext(context.Background(), "shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			log.ErrorContext(context.Background(), "http server error", "error", err)
			return exitInfraError
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.ErrorContext(shutdownCtx, "http server shutdown error", "error", err)
	}

	log.InfoContext(context.Background(), "engine stopped")
	return exitOK
}

// registerBuiltinHandlers installs the C11 built-in node handlers
// (conditions/cel, risk/threshold) that ship with the engine itself,
// distinct from the provider/action/trigger handlers external
// collaborators supply.
func registerBuiltinHandlers(registry *graph.HandlerRegistry) {
	registry.Register(graph.CategoryConditions, "cel", condition.NewCELHandler())
	registry.Register(graph.CategoryRisk, "threshold", risk.NewThresholdHandler())
}
