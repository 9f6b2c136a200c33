// Package cli provides the command-line interface and HTTP server for the
// Kalpana control plane. It orchestrates the application lifecycle:
// configuration loading, service wiring, the gateway HTTP server, and
// graceful shutdown.
//
// Architecture Overview:
//
//	CLI → Configuration → Store/Docker/Redis → Managers → HTTP Server
//
// The server is designed for containerized deployment with 12-factor app
// principles, supporting configuration via environment variables and
// external config files.
package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"kalpana.dev/agent"
	"kalpana.dev/common"
	"kalpana.dev/config"
	"kalpana.dev/containers"
	"kalpana.dev/db"
	"kalpana.dev/ports"
	"kalpana.dev/proxy"
	"kalpana.dev/version"
)

// cfgFile holds the path to the configuration file specified via the
// --config flag. When empty, config.Load searches the standard locations.
var cfgFile string

// RootCmd is the entry point for the control plane binary. Running it with
// no subcommand starts the server.
var RootCmd = &cobra.Command{
	Use:   "kalpana",
	Short: "developer workspace platform control plane",
	Long: `Kalpana Control Plane

Manages developer workspaces, deployments, databases, and storage buckets
as Docker containers behind a Traefik edge router:
- Host port allocation with daemon and OS cross-checks
- Per-resource containers with routing labels and TLS via Let's Encrypt
- Deployment builds with live log streaming
- Agent event fan-out from Redis streams to browser SSE subscribers

Configuration can be provided via command-line flags, environment
variables (KALPANA_ prefix), or YAML configuration files.`,
	Run: runServer,
}

// Execute runs the root command.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., ./configs, ~/.kalpana, /etc/kalpana)")

	RootCmd.PersistentFlags().String("port", "", "HTTP server port")
	RootCmd.PersistentFlags().String("base-domain", "", "platform base domain for generated subdomains")
	RootCmd.PersistentFlags().String("docker-host", "", "Docker daemon endpoint")
	RootCmd.PersistentFlags().String("redis-url", "", "Redis connection URL")
	RootCmd.PersistentFlags().String("store-driver", "", "state store driver (postgres or sqlite)")
	RootCmd.PersistentFlags().String("store-dsn", "", "state store connection string")

	RootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print version and build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("kalpana", version.Version())
		info := version.GetBuildInfo()
		fmt.Println("go:", info.GoVersion)
	},
}

// applyFlagOverrides lets explicit command-line flags win over file and
// environment configuration.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	if v, _ := cmd.Flags().GetString("port"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Server.Port)
	}
	if v, _ := cmd.Flags().GetString("base-domain"); v != "" {
		cfg.Platform.BaseDomain = v
	}
	if v, _ := cmd.Flags().GetString("docker-host"); v != "" {
		cfg.Docker.Host = v
	}
	if v, _ := cmd.Flags().GetString("redis-url"); v != "" {
		cfg.Redis.URL = v
	}
	if v, _ := cmd.Flags().GetString("store-driver"); v != "" {
		cfg.Store.Driver = v
	}
	if v, _ := cmd.Flags().GetString("store-dsn"); v != "" {
		cfg.Store.DSN = v
	}
}

// runServer wires the services and runs the HTTP server until a shutdown
// signal arrives.
//
// Startup sequence:
//  1. Load and validate configuration
//  2. Open the state store and run migrations
//  3. Connect to the Docker daemon and Redis
//  4. Wire allocator → proxy → container manager → builder → gateway
//  5. Ensure the shared network and edge router exist
//  6. Serve HTTP, then shut down gracefully on SIGINT/SIGTERM
func runServer(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		os.Exit(1)
	}
	applyFlagOverrides(cmd, cfg)

	logger := common.NewLogger(common.LoggerConfig{
		Level:      common.LogLevel(cfg.Logging.Level),
		Format:     cfg.Logging.Format,
		TimeFormat: time.RFC3339,
	})
	common.Logger = logger
	log := common.ServiceLogger(logger, "cli")

	store, err := db.Open(cfg.Store.Driver, cfg.Store.DSN, logger)
	if err != nil {
		log.WithError(err).Fatal("failed to open state store")
	}
	defer store.Close()

	dockerClient, err := common.NewDockerClient(cfg.Docker.Host, cfg.Docker.APIVersion)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to docker daemon")
	}
	defer dockerClient.Close()

	// Redis is required for agent streaming but the control plane can run
	// without it; the gateway degrades to row-only snapshots.
	var rdb redis.UniversalClient
	if opts, err := redis.ParseURL(cfg.Redis.URL); err != nil {
		log.WithError(err).Warn("invalid redis url, agent streaming disabled")
	} else {
		client := redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := client.Ping(pingCtx).Err(); err != nil {
			log.WithError(err).Warn("redis unreachable, agent streaming disabled")
			client.Close()
		} else {
			rdb = client
			defer client.Close()
		}
		cancel()
	}

	allocator := ports.NewAllocator(cfg.Ports, store, dockerClient, logger)
	orchestrator := proxy.NewOrchestrator(cfg.Proxy, dockerClient, logger)
	manager := containers.NewManager(dockerClient, store, allocator, orchestrator,
		cfg.Containers, cfg.Platform, cfg.Secrets, logger)

	// Startup is best-effort: the daemon may still be pulling images or the
	// edge router may be managed externally. Provisioning retries later.
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 2*time.Minute)
	if err := orchestrator.EnsureNetwork(startupCtx); err != nil {
		log.WithError(err).Warn("failed to ensure proxy network")
	}
	if err := orchestrator.EnsureProxy(startupCtx); err != nil {
		log.WithError(err).Warn("failed to ensure edge router")
	}
	if err := manager.EnsureWorkspaceImage(startupCtx); err != nil {
		log.WithError(err).Warn("failed to pull workspace image")
	}
	cancelStartup()

	gateway := agent.NewGateway(rdb, store, logger)
	gateway.Start(context.Background())
	defer gateway.Stop()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())  // Request/response logging
	e.Use(middleware.Recover()) // Panic recovery
	e.Use(middleware.CORS())    // Cross-origin support

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version.Version(),
		})
	})
	gateway.RegisterRoutes(e.Group("/api"))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	go func() {
		log.WithField("addr", addr).Info("server starting")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
	}
}
