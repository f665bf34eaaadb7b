// Package app is the scheduler's composition root: it opens storage, runs
// migrations, and wires the Job Manager, Worker Pool, Answer Runner, HTTP
// Bridge, MCP Tool Surface, and the background notify/decision-cache
// sweeps into one process, per spec §6's single-binary model.
//
// Grounded on the teacher's own serveCmd (cmd/wl/main.go), which performs
// the same open-db/migrate/construct-engine/construct-server sequence
// inline in a cobra RunE; this package pulls that sequence out so both the
// daemon entrypoint and tests can share it.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	mcpserversdk "github.com/mark3labs/mcp-go/server"

	"taskrelay/internal/app/shutdown"
	"taskrelay/internal/artifacts"
	"taskrelay/internal/bus"
	"taskrelay/internal/config"
	"taskrelay/internal/db"
	"taskrelay/internal/engine"
	"taskrelay/internal/executor"
	"taskrelay/internal/llm"
	"taskrelay/internal/mcpserver"
	"taskrelay/internal/migrate"
	"taskrelay/internal/runner"
	"taskrelay/internal/server"
	"taskrelay/internal/worker"
)

// App holds every long-lived component the daemon owns, for the entrypoint
// to run and shut down.
type App struct {
	Config  *config.Config
	DB      *sql.DB
	Engine  engine.Engine
	Bus     *bus.Bus
	Worker  *worker.Pool
	Runner  *runner.Runner
	HTTP    http.Handler
	MCP     *mcpserversdk.MCPServer
	Drainer *shutdown.Drainer
}

// Open builds the full App from a resolved config: opens the storage
// backend, migrates it, and constructs every component. The returned App's
// background loops (worker pool, answer runner, decision-cache sweep,
// notify dispatcher) are not started until Run is called.
func Open(cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	conn, err := db.Open(db.Config{Backend: cfg.Storage, SqlitePath: cfg.Sqlite})
	if err != nil {
		return nil, fmt.Errorf("app: open storage: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("app: migrate: %w", err)
	}

	b := bus.New()
	e := engine.New(conn, b)

	backend := executor.NewCommandBackend("taskrelay-executor")
	store := artifacts.NewLocalFS(cfg.ArtifactRoot)

	wp := worker.New(e, backend, store, worker.Config{
		MaxConcurrency:    cfg.MaxConcurrency,
		PollInterval:      time.Duration(cfg.PollIntervalMs) * time.Millisecond,
		HeartbeatInterval: time.Duration(cfg.HeartbeatIntervalMs) * time.Millisecond,
		LeaseTTL:          time.Duration(cfg.LeaseTTLMs) * time.Millisecond,
		WorkRoot:          cfg.ArtifactRoot,
	})

	var rn *runner.Runner
	if cfg.AnswerRunnerEnabled {
		client := llm.NewAnthropicClient(cfg.AnthropicAPIKey, "")
		roles := runner.NewRoleStore(cfg.RoleDir)
		rn, err = runner.New(e, e.Repo, client, roles, b, runner.Config{
			DefaultTimeout:    time.Duration(cfg.DefaultTimeoutS) * time.Second,
			MaxRetries:        cfg.MaxRetries,
			DecisionCacheTTLS: cfg.DecisionCacheTTLS,
		})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("app: construct answer runner: %w", err)
		}
	}

	drainer := shutdown.NewDrainer()
	handler, err := server.New(server.Config{
		Engine:         e,
		Bus:            b,
		BasePath:       "/v1",
		LongPollWindow: time.Duration(cfg.LongPollTimeoutMs) * time.Millisecond,
		SSEHeartbeat:   time.Duration(cfg.SSEHeartbeatMs) * time.Millisecond,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("app: construct http bridge: %w", err)
	}
	handler = drainer.Wrap(handler)

	mcp := mcpserver.New(e, store)

	return &App{
		Config:  cfg,
		DB:      conn,
		Engine:  e,
		Bus:     b,
		Worker:  wp,
		Runner:  rn,
		HTTP:    handler,
		MCP:     mcp,
		Drainer: drainer,
	}, nil
}

// Run starts every background loop (worker pool, answer runner,
// decision-cache sweep, notify dispatcher) and blocks until ctx is
// canceled. Callers that also serve HTTP or MCP traffic run those
// separately and cancel ctx on shutdown.
func (a *App) Run(ctx context.Context) {
	go runDecisionCacheSweep(ctx, a.Engine, time.Duration(a.Config.DecisionCacheTTLS)*time.Second)
	server.StartNotifyDispatcher(ctx, a.Engine)
	if a.Runner != nil {
		a.Runner.Start(ctx)
	}
	a.Worker.Run(ctx, "taskrelayd")
}

// Close releases the storage handle. Safe to call once, after Run returns.
func (a *App) Close() error {
	return a.DB.Close()
}

// runDecisionCacheSweep periodically purges expired decision-cache entries,
// per SPEC_FULL.md §13's "owned by the Storage Kernel's opener" background
// ticker, grounded in shape on the teacher's webhooks.go ticking-goroutine.
func runDecisionCacheSweep(ctx context.Context, e engine.Engine, ttl time.Duration) {
	interval := ttl / 24
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Repo.DecisionCachePurgeExpired(ctx, e.Now())
		}
	}
}
