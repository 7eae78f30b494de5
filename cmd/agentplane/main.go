// Package main is the agentplane control plane: a host-local server that
// orchestrates concurrent agent coding sessions, each in its own git worktree
// and container, over a single WebSocket endpoint.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/common/config"
	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/internal/common/telemetry"
	"github.com/agentplane/agentplane/internal/db"
	"github.com/agentplane/agentplane/internal/events"
	"github.com/agentplane/agentplane/internal/gateway"
	"github.com/agentplane/agentplane/internal/git"
	"github.com/agentplane/agentplane/internal/github"
	"github.com/agentplane/agentplane/internal/ingest"
	"github.com/agentplane/agentplane/internal/lifecycle"
	"github.com/agentplane/agentplane/internal/router"
	"github.com/agentplane/agentplane/internal/sandbox"
	"github.com/agentplane/agentplane/internal/snapshot"
	"github.com/agentplane/agentplane/internal/store"
	"github.com/agentplane/agentplane/pkg/protocol"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting agentplane...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	workspaceRoot, err := cfg.Workspace.ExpandedRoot()
	if err != nil {
		log.Fatal("Failed to resolve workspace root", zap.Error(err))
	}

	// Internal notification bus: NATS when configured, in-memory otherwise.
	eventBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer func() { _ = busCleanup() }()

	// Durable store: embedded SQLite by default, PostgreSQL when configured.
	var pool *db.Pool
	if cfg.Database.IsPostgres() {
		pool, err = db.OpenPostgres(cfg.Database.URL, cfg.Database.MaxConns)
		log.Info("Using PostgreSQL store")
	} else {
		dbPath := filepath.Join(workspaceRoot, "agentplane.db")
		pool, err = db.OpenSQLite(dbPath)
		log.Info("Using embedded SQLite store", zap.String("path", dbPath))
	}
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer func() { _ = pool.Close() }()

	st, err := store.New(pool, log)
	if err != nil {
		log.Fatal("Failed to initialize store", zap.Error(err))
	}

	// Workspace facade: mirrors and per-session worktrees.
	workspace, err := git.NewWorkspace(workspaceRoot, log)
	if err != nil {
		log.Fatal("Failed to initialize workspace", zap.Error(err))
	}

	// Hosting facade: the gh CLI owns credentials.
	gh := github.NewClient()
	if !github.Available() {
		log.Warn("gh CLI not found; repository registration and sandbox credentials will fail")
	} else if authed, err := gh.IsAuthenticated(ctx); err != nil {
		log.Warn("Failed to check gh authentication", zap.Error(err))
	} else if !authed {
		log.Warn("gh CLI is not authenticated; run 'gh auth login'")
	}

	// Sandbox runtime.
	runtime, err := sandbox.NewRuntime(cfg.Docker, cfg.Sandbox, log)
	if err != nil {
		log.Fatal("Failed to create Docker client", zap.Error(err))
	}
	defer func() { _ = runtime.Close() }()
	if err := runtime.Check(ctx); err != nil {
		log.Warn("Docker daemon not reachable; sandbox launches will fail", zap.Error(err))
	} else {
		log.Info("Connected to Docker daemon")
	}

	// Transport.
	registry := gateway.NewRegistry(log)
	broker := gateway.NewBroker(log)
	defer broker.Close()

	// Lifecycle controller and ingest service reference each other: the
	// controller emits manager events through ingest, and ingest hands runner
	// events back for status transitions.
	managerURL := fmt.Sprintf("ws://127.0.0.1:%d/ws", cfg.Server.Port)
	rt := &runtimeAdapter{
		runtime:            runtime,
		managerURL:         managerURL,
		basePrompt:         cfg.Agent.BaseSystemPrompt,
		idleTimeoutSeconds: cfg.Session.IdleTimeoutSeconds,
	}
	controller := lifecycle.NewController(st, workspace, gh, rt, registry, eventBus, log)
	ingestSvc := ingest.New(st, broker, log)
	ingestSvc.SetLifecycle(controller)
	controller.SetEmitter(ingestSvc)

	snapshots := snapshot.New(st, log)
	cmdRouter := router.New(st, controller, snapshots, broker, gh, eventBus, log)
	if err := cmdRouter.Start(); err != nil {
		log.Fatal("Failed to start command router", zap.Error(err))
	}
	defer cmdRouter.Stop()

	// Settle sessions orphaned by a previous run before accepting traffic.
	if err := controller.Reconcile(ctx); err != nil {
		log.Fatal("Startup reconciliation failed", zap.Error(err))
	}

	supervisor := lifecycle.NewSupervisor(registry, cfg.Session.HeartbeatInterval(), log)
	go supervisor.Run(ctx)

	wsHandler := gateway.NewHandler(registry, broker, &sink{
		ingest:     ingestSvc,
		router:     cmdRouter,
		controller: controller,
	}, log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/ws", wsHandler.ServeWS)
	engine.GET("/healthz", func(c *gin.Context) {
		checks := gin.H{"database": "ok", "docker": "ok", "gh": "ok"}
		status := http.StatusOK
		if err := pool.Reader().PingContext(c.Request.Context()); err != nil {
			checks["database"] = err.Error()
			status = http.StatusServiceUnavailable
		}
		if err := runtime.Check(c.Request.Context()); err != nil {
			checks["docker"] = err.Error()
		}
		if authed, err := gh.IsAuthenticated(c.Request.Context()); err != nil {
			checks["gh"] = err.Error()
		} else if !authed {
			checks["gh"] = "unauthenticated"
		}
		c.JSON(status, gin.H{
			"status":      "ok",
			"service":     "agentplane",
			"version":     protocol.Version,
			"connections": registry.Count(),
			"checks":      checks,
		})
	})

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: engine,
	}

	go func() {
		log.Info("Control plane listening",
			zap.String("addr", server.Addr),
			zap.String("websocket", "/ws"))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down agentplane...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	controller.Shutdown()
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		log.Error("Telemetry shutdown error", zap.Error(err))
	}

	log.Info("agentplane stopped")
}

// sink fans the gateway's callbacks out to the services that own them.
type sink struct {
	ingest     *ingest.Service
	router     *router.Router
	controller *lifecycle.Controller
}

func (s *sink) HandleSandboxEnvelope(ctx context.Context, c *gateway.Conn, env *protocol.Envelope) {
	s.ingest.HandleSandboxEnvelope(ctx, c, env)
}

func (s *sink) HandleObserverEnvelope(ctx context.Context, c *gateway.Conn, env *protocol.Envelope) {
	s.router.HandleObserverEnvelope(ctx, c, env)
}

func (s *sink) HandleSandboxDisconnect(ctx context.Context, sessionID string, c *gateway.Conn) {
	s.controller.HandleSandboxDisconnect(ctx, sessionID, c)
}

// runtimeAdapter binds the Docker runtime to the controller's view of it,
// filling in the deployment-wide launch settings.
type runtimeAdapter struct {
	runtime            *sandbox.Runtime
	managerURL         string
	basePrompt         string
	idleTimeoutSeconds int
}

func (a *runtimeAdapter) Start(ctx context.Context, spec lifecycle.StartSpec) (string, error) {
	return a.runtime.Launch(ctx, sandbox.LaunchSpec{
		SessionID:          spec.SessionID,
		WorktreePath:       spec.WorktreePath,
		ManagerURL:         a.managerURL,
		Token:              spec.Token,
		Role:               string(spec.Role),
		GoalPrompt:         spec.GoalPrompt,
		Model:              spec.Model,
		BaseSystemPrompt:   a.basePrompt,
		IdleTimeoutSeconds: a.idleTimeoutSeconds,
	})
}

func (a *runtimeAdapter) Stop(ctx context.Context, handle string, graceSeconds int) error {
	return a.runtime.Stop(ctx, handle, graceSeconds)
}

func (a *runtimeAdapter) Remove(ctx context.Context, handle string, force bool) error {
	return a.runtime.Remove(ctx, handle, force)
}
