package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stageflow/stageflow/internal/agent/runner"
	"github.com/stageflow/stageflow/internal/common/config"
	"github.com/stageflow/stageflow/internal/common/logger"
	"github.com/stageflow/stageflow/internal/events/bus"
	"github.com/stageflow/stageflow/internal/pipeline/api"
	"github.com/stageflow/stageflow/internal/pipeline/engine"
	"github.com/stageflow/stageflow/internal/pipeline/health"
	"github.com/stageflow/stageflow/internal/pipeline/repository"
	"github.com/stageflow/stageflow/internal/pipeline/streaming"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Stageflow service...")

	// 3. Create a context cancelled on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 4. Connect the event bus. An empty NATS URL selects the in-memory bus
	// so single-process deployments need no broker.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 5. Open the repository. An empty database path selects the in-memory
	// store, which does not survive restarts.
	var repo repository.Repository
	if cfg.Database.Path != "" {
		sqlRepo, err := repository.NewSQLiteRepository(cfg.Database.Path)
		if err != nil {
			log.Fatal("Failed to open database", zap.Error(err))
		}
		repo = sqlRepo
		log.Info("Opened SQLite database", zap.String("path", cfg.Database.Path))
	} else {
		repo = repository.NewMemoryRepository()
		log.Info("Using in-memory repository")
	}
	defer repo.Close()

	// 6. Initialize the agent runner
	agentRunner := runner.NewLocalRunner(log, cfg.Agent.DefaultAgent)
	log.Info("Initialized agent runner", zap.String("default_agent", cfg.Agent.DefaultAgent))

	// 7. Initialize the stage execution engine
	eng := engine.NewEngine(repo, agentRunner, eventBus, log, engine.Options{
		DefaultAgent:     cfg.Agent.DefaultAgent,
		MaxTurns:         cfg.Agent.MaxTurns,
		WorkingDirectory: cfg.Agent.WorkingDirectory,
	})

	// 8. Start the process health monitor
	monitor := health.NewMonitor(repo, agentRunner, eng, log, health.Options{
		CheckInterval:     cfg.Pipeline.HealthCheckIntervalDuration(),
		InactivityTimeout: cfg.Pipeline.InactivityTimeoutDuration(),
	})
	monitor.Start()
	log.Info("Started process health monitor")

	// 9. Start the WebSocket hub and its event bus bridge
	hub := streaming.NewHub(log)
	go hub.Run(ctx)

	bridge := streaming.NewBridge(eventBus, hub, log)
	if err := bridge.Start(); err != nil {
		log.Fatal("Failed to start streaming bridge", zap.Error(err))
	}

	// 10. Setup HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	// 11. Register API routes
	v1 := router.Group("/api/v1")
	api.SetupRoutes(v1, repo, eng, eventBus, log)

	wsHandler := streaming.NewWSHandler(hub, log)
	streaming.SetupWebSocketRoutes(v1, wsHandler)

	// Health check endpoint at root level
	handler := api.NewHandler(repo, eng, eventBus, log)
	router.GET("/health", handler.Health)

	// 12. Create HTTP server
	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 13. Serve until the signal context is cancelled
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("HTTP server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down Stageflow service...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	// 14. Wait for both the server and the shutdown handler
	if err := g.Wait(); err != nil {
		log.Error("Server error", zap.Error(err))
	}

	// 15. Stop the streaming bridge and health monitor
	bridge.Stop()
	monitor.Stop()

	log.Info("Stageflow service stopped")
}
