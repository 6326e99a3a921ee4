package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"cloudshift/backend/internal/agentpool"
	"cloudshift/backend/internal/agents"
	"cloudshift/backend/internal/api"
	"cloudshift/backend/internal/auth"
	"cloudshift/backend/internal/config"
	"cloudshift/backend/internal/engine"
	"cloudshift/backend/internal/logging"
	"cloudshift/backend/internal/mcp"
	"cloudshift/backend/internal/orchestrator"
	"cloudshift/backend/internal/phases"
	"cloudshift/backend/internal/registry"
	"cloudshift/backend/internal/repository"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "mfo-server",
		Short: "CloudShift master flow orchestrator service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to config file")

	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func run(ctx context.Context, configPath string) error {
	logger := logging.NewLogger()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("configuration loading failed: %w", err)
	}
	logger.Info("Starting CloudShift flow orchestrator",
		"environment", cfg.Environment,
		"inference_url", cfg.Inference.URL,
	)

	// Flow store. DEV without a database host runs on the in-memory store.
	var store repository.FlowStore
	if cfg.DB.Host == "" && cfg.Environment == "DEV" {
		logger.Warn("no database configured; using in-memory flow store")
		store = repository.NewMemoryFlowStore()
	} else {
		dbPool, err := initDatabase(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("database initialization failed: %w", err)
		}
		defer dbPool.Close()
		store = repository.NewPostgresFlowStore(dbPool, logger)
		logger.Info("Database connected")
	}

	// Flow type catalog is populated once, then frozen.
	reg := registry.New()
	if err := phases.RegisterBuiltin(reg); err != nil {
		return fmt.Errorf("flow type registration failed: %w", err)
	}
	reg.Freeze()

	factory := agents.NewInferenceClient(cfg.Inference.URL)
	pool := agentpool.New(factory, cfg.Pool.IdleTTL, logger)
	pool.StartJanitor(cfg.Pool.EvictInterval)

	eng := engine.New(store, reg, pool, logger,
		engine.WithWorkerRetryBackoff(cfg.Engine.WorkerRetryBackoff))
	orch := orchestrator.New(store, reg, eng, logger)

	logger.Info("Orchestration core initialized")

	// Create Echo server
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("cloudshift-mfo"))

	authz, err := auth.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("auth initialization failed: %w", err)
	}
	if ep := authz.TokenEndpoint(); ep != "" {
		logger.Info("Auth initialized", "token_endpoint", ep)
	}

	apiServer := api.NewServer(orch, pool)
	e.GET("/healthz", apiServer.HandleHealth)

	apiGroup := e.Group("/api/v1")
	apiGroup.Use(echo.WrapMiddleware(authz.RequireAuth))
	apiServer.RegisterRoutes(apiGroup)

	logger.Info("REST API handlers mounted")

	// Mount MCP protocol handlers behind the same auth middleware so
	// assistant connections carry a tenant.
	mcpServer := mcp.NewServer(orch)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	mcpHandler := echo.WrapHandler(authz.RequireAuth(mcpHandlers))
	e.Any("/mcp", mcpHandler)
	e.Any("/mcp/*", mcpHandler)

	logger.Info("MCP protocol handlers mounted")

	server := &http.Server{
		Addr:         ":8080",
		Handler:      e,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-shutdown:
		logger.Info("Shutdown signal received", "signal", sig.String())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
			if err := server.Close(); err != nil {
				logger.Error("Server close error", "error", err)
			}
		}

		// In-flight phase executions finish or persist a failed state
		// before the process exits.
		if err := eng.Shutdown(shutdownCtx); err != nil {
			logger.Error("Engine shutdown error", "error", err)
		}
		pool.Close(shutdownCtx)

		logger.Info("Server stopped gracefully")
	}

	return nil
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	logger.Debug("Initializing database connection")

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}
