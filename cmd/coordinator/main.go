package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/xiaoruiguo/crowbar-core/internal/client"
	"github.com/xiaoruiguo/crowbar-core/internal/config"
	"github.com/xiaoruiguo/crowbar-core/internal/health"
	"github.com/xiaoruiguo/crowbar-core/internal/metrics"
	"github.com/xiaoruiguo/crowbar-core/internal/repository"
	"github.com/xiaoruiguo/crowbar-core/internal/server"
	"github.com/xiaoruiguo/crowbar-core/internal/service"
	"github.com/xiaoruiguo/crowbar-core/internal/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// stores bundles the storage backend
type stores struct {
	nodes  store.NodeDirectory
	docs   store.DocumentStore
	states store.StateStore
	lock   store.TransitionLock

	pool *pgxpool.Pool
}

func (s *stores) Close() {
	s.nodes.Close()
	s.docs.Close()
	s.states.Close()
	if s.pool != nil {
		s.pool.Close()
	}
}

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting upgrade coordinator",
		zap.String("backend", cfg.Store.Backend),
		zap.Int("port", cfg.Server.Port),
		zap.String("target_platform", cfg.Upgrade.TargetPlatform),
		zap.Bool("restart_management", cfg.RestartManagement.Enabled))

	catalog, err := cfg.BuildCatalog()
	if err != nil {
		logger.Fatal("Invalid feature catalog", zap.Error(err))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(registry)

	ctx := context.Background()
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize stores", zap.Error(err))
	}
	defer st.Close()
	logger.Info("Stores initialized")

	runner, err := client.NewSSHRunner(client.SSHConfig{
		User:           cfg.SSH.User,
		Port:           cfg.SSH.Port,
		PrivateKeyPath: cfg.SSH.PrivateKeyPath,
		KnownHostsPath: cfg.SSH.KnownHostsPath,
		ConnectTimeout: cfg.SSH.ConnectTimeout,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize SSH runner", zap.Error(err))
	}

	commands := client.DefaultCommands()
	for action, command := range cfg.Commands {
		commands[client.Action(action)] = command
	}
	dispatcher, err := client.NewDispatcher(runner, commands, m, logger)
	if err != nil {
		logger.Fatal("Invalid remote commands", zap.Error(err))
	}

	restartService := service.NewRestartService(st.nodes, st.docs, catalog, m, logger)
	upgradeService := service.NewUpgradeService(
		st.nodes,
		st.states,
		st.lock,
		dispatcher,
		restartService,
		catalog,
		service.Prechecks{
			Sanity:      service.NewSanityCheck(),
			Network:     service.NewNetworkCheck(cfg.SSH.Port, cfg.Upgrade.NetworkCheckTimeout, logger),
			Maintenance: service.NewMaintenanceCheck(dispatcher),
			HAPresence:  service.NewHAPresenceCheck(catalog, cfg.Upgrade.ClusterRoles),
		},
		service.UpgradeConfig{
			InstanceID:    cfg.Upgrade.InstanceID,
			RestartReason: cfg.Upgrade.RestartReason,
		},
		m,
		logger,
	)
	repoService := service.NewRepoCheckService(
		st.nodes,
		repository.NewFileChecker(cfg.Repositories.CatalogPath, cfg.Repositories.Root, logger),
		catalog,
		service.RepoCheckConfig{
			TargetPlatform:    cfg.Upgrade.TargetPlatform,
			AdminArchitecture: cfg.Upgrade.AdminArchitecture,
			CoreRole:          cfg.Upgrade.CoreRole,
		},
		m,
		logger,
	)
	logger.Info("Services initialized")

	healthChecker := health.NewHealthChecker(map[string]health.Pinger{
		"node_directory": st.nodes,
		"policy_store":   st.docs,
		"state_store":    st.states,
	}, logger)

	srv := server.NewServer(cfg, upgradeService, repoService, restartService, healthChecker, m, logger)

	serverErrors := make(chan error, 3)
	go func() {
		serverErrors <- srv.Start()
	}()

	var metricsServer *metrics.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewMetricsServer(cfg.Metrics.Port, cfg.Metrics.Path, registry, logger)
		go func() {
			if err := metricsServer.Start(); err != nil {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	var grpcHealth *health.GRPCHealthServer
	if cfg.GRPC.Enabled {
		grpcHealth = health.NewGRPCHealthServer(healthChecker, 10*time.Second, logger)
		go func() {
			if err := grpcHealth.Start(cfg.GRPC.Port); err != nil {
				serverErrors <- fmt.Errorf("gRPC health server: %w", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("Server error", zap.Error(err))
	case sig := <-sigChan:
		logger.Info("Received signal", zap.String("signal", sig.String()))
	}

	logger.Info("Shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if grpcHealth != nil {
		grpcHealth.Stop()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown incomplete", zap.Error(err))
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Metrics server shutdown incomplete", zap.Error(err))
		}
	}

	logger.Info("Upgrade coordinator stopped")
}

// openStores connects the configured storage backend. The postgres backend
// keeps nodes and documents in PostgreSQL and the upgrade record in Redis.
func openStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*stores, error) {
	switch cfg.Store.Backend {
	case config.BackendPostgres:
		pool, err := store.NewPostgresPool(ctx,
			cfg.Database.Host,
			cfg.Database.Port,
			cfg.Database.Database,
			cfg.Database.User,
			cfg.Database.Password,
			cfg.Database.MaxConnections,
			cfg.Database.MinConnections,
		)
		if err != nil {
			return nil, err
		}
		nodes, err := store.NewPostgresNodeDirectory(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		docs, err := store.NewPostgresDocumentStore(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}

		rdb, err := store.NewRedisClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize)
		if err != nil {
			pool.Close()
			return nil, err
		}

		return &stores{
			nodes:  nodes,
			docs:   docs,
			states: store.NewRedisStateStore(rdb, logger),
			lock:   store.NewRedisTransitionLock(rdb, cfg.Redis.LockTTL, logger),
			pool:   pool,
		}, nil

	default:
		nodes, err := store.LoadInventory(cfg.Store.Inventory)
		if err != nil {
			return nil, err
		}
		logger.Warn("Using in-memory stores; upgrade state is lost on restart",
			zap.String("inventory", cfg.Store.Inventory),
			zap.Int("nodes", len(nodes)))

		return &stores{
			nodes:  store.NewMemoryNodeDirectory(logger, nodes...),
			docs:   store.NewMemoryDocumentStore(),
			states: store.NewMemoryStateStore(),
			lock:   store.NewMemoryTransitionLock(),
		}, nil
	}
}

// initLogger builds a zap logger from the logging configuration
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
