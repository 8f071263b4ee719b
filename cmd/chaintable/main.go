package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/devrev/chaintable/internal/backend"
	"github.com/devrev/chaintable/internal/backend/memory"
	"github.com/devrev/chaintable/internal/backend/postgres"
	"github.com/devrev/chaintable/internal/backend/redisblob"
	"github.com/devrev/chaintable/internal/config"
	"github.com/devrev/chaintable/internal/health"
	"github.com/devrev/chaintable/internal/metrics"
	"github.com/devrev/chaintable/internal/quorum"
	"github.com/devrev/chaintable/internal/server"
	"github.com/devrev/chaintable/internal/service"
	"github.com/devrev/chaintable/internal/util/workerpool"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("Starting chaintable",
		zap.String("node_id", cfg.Server.NodeID),
		zap.Int("http_port", cfg.Server.HTTPPort),
		zap.Int("grpc_port", cfg.Server.GRPCPort),
		zap.Int("backends", len(cfg.Backends)),
		zap.Int("config_locations", len(cfg.ConfigStore.Locations)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	registry, closeBackends, err := buildBackends(ctx, cfg.Backends, logger)
	if err != nil {
		logger.Fatal("Failed to initialize backends", zap.Error(err))
	}
	defer closeBackends()
	logger.Info("Backends initialized", zap.Strings("endpoints", registry.Endpoints()))

	locations, closeLocations, err := buildLocations(cfg.ConfigStore.Locations, logger)
	if err != nil {
		logger.Fatal("Failed to initialize configuration locations", zap.Error(err))
	}
	defer closeLocations()

	store, err := quorum.NewStore(locations, quorum.Config{
		Key:           cfg.ConfigStore.Key,
		LeaseDuration: cfg.ConfigStore.LeaseDuration,
		ClockSkew:     cfg.ConfigStore.ClockSkew,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize configuration store", zap.Error(err))
	}

	manager := service.NewConfigManager(store, registry, service.ConfigManagerOptions{
		DefaultLease:       cfg.ConfigStore.LeaseDuration,
		RefreshMargin:      cfg.ConfigStore.RefreshMargin,
		MinRefreshInterval: cfg.ConfigStore.MinRefreshInterval,
	}, m, logger)

	if cfg.ConfigStore.SeedFile != "" {
		seed, err := config.LoadSeed(cfg.ConfigStore.SeedFile)
		if err != nil {
			logger.Fatal("Failed to load seed configuration", zap.Error(err))
		}
		created, err := manager.Bootstrap(ctx, seed)
		if err != nil {
			logger.Fatal("Failed to bootstrap configuration", zap.Error(err))
		}
		logger.Info("Seed configuration checked", zap.Bool("published", created))
	}
	manager.Start(ctx)
	defer manager.Stop()

	engine := service.NewEngine(manager, service.EngineOptions{
		LockTimeout:            cfg.Engine.LockTimeout,
		LockWatermark:          cfg.Engine.LockWatermark,
		ClockSkew:              cfg.Engine.ClockSkew,
		PhysicalRetries:        cfg.Engine.PhysicalRetries,
		InsertOrReplaceRetries: cfg.Engine.InsertOrReplaceRetries,
		RetryBaseDelay:         cfg.Engine.RetryBaseDelay,
		RetryMaxDelay:          cfg.Engine.RetryMaxDelay,
		RepairConcurrency:      cfg.Engine.RepairConcurrency,
		RepairRowsPerSecond:    cfg.Engine.RepairRowsPerSecond,
		ConvertBatchSize:       cfg.Engine.ConvertBatchSize,
		BisectDepth:            cfg.Engine.BisectDepth,
	}, m, logger)

	pool := workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "reconfig",
		MaxWorkers: cfg.WorkerPool.Workers,
		QueueSize:  cfg.WorkerPool.QueueSize,
		Logger:     logger,
	})
	reconfigurator := service.NewReconfigurator(manager, engine, pool, cfg.ConfigStore.ClockSkew, logger)

	healthChecker := health.NewHealthChecker(manager, logger)
	httpServer := server.NewServer(cfg, engine, manager, reconfigurator, healthChecker, m, logger)
	httpServer.SetupRoutes()

	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle(cfg.Metrics.Path, promhttp.Handler())
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			logger.Info("Starting metrics server", zap.String("address", addr))
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	serverErrors := make(chan error, 2)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	var grpcServer *grpc.Server
	if cfg.Server.GRPCPort > 0 {
		grpcServer = grpc.NewServer()
		healthServer := grpchealth.NewServer()
		healthpb.RegisterHealthServer(grpcServer, healthServer)
		go health.NewGRPCReporter(healthServer, manager, 5*time.Second, logger).Run(ctx)

		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.GRPCPort)
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			logger.Fatal("Failed to create listener", zap.Error(err))
		}
		logger.Info("Starting gRPC health server", zap.String("address", addr))
		go func() {
			serverErrors <- grpcServer.Serve(listener)
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
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown failed", zap.Error(err))
	}

	if grpcServer != nil {
		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
			logger.Info("gRPC server stopped gracefully")
		case <-shutdownCtx.Done():
			logger.Warn("gRPC server stop timeout, forcing shutdown")
			grpcServer.Stop()
		}
	}

	if err := pool.Stop(cfg.Server.ShutdownTimeout); err != nil {
		logger.Warn("Reconfiguration jobs still running at shutdown", zap.Error(err))
	}

	logger.Info("Chaintable stopped")
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}
	return zcfg.Build()
}

func buildBackends(ctx context.Context, backends []config.BackendConfig, logger *zap.Logger) (*backend.Registry, func(), error) {
	registry := backend.NewRegistry()
	var pgClients []*postgres.TableClient
	closeAll := func() {
		for _, c := range pgClients {
			c.Close()
		}
	}

	for _, b := range backends {
		switch b.Type {
		case "postgres":
			client, err := postgres.NewTableClient(ctx, b.Endpoint,
				b.Postgres.Host, b.Postgres.Port,
				b.Postgres.Database, b.Postgres.User, b.Postgres.Password,
				b.Postgres.MaxConnections, b.Postgres.MinConnections,
				logger)
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("backend %s: %w", b.Endpoint, err)
			}
			pgClients = append(pgClients, client)
			registry.Register(client)
		default:
			registry.Register(memory.NewTableClient(b.Endpoint))
		}
	}
	return registry, closeAll, nil
}

func buildLocations(locations []config.LocationConfig, logger *zap.Logger) ([]backend.BlobStore, func(), error) {
	stores := make([]backend.BlobStore, 0, len(locations))
	var redisStores []*redisblob.Store
	closeAll := func() {
		for _, s := range redisStores {
			_ = s.Close()
		}
	}

	for _, loc := range locations {
		switch loc.Type {
		case "redis":
			addr := fmt.Sprintf("%s:%d", loc.Redis.Host, loc.Redis.Port)
			s, err := redisblob.NewStore(loc.Name, addr, loc.Redis.Password, loc.Redis.DB, loc.Redis.KeyPrefix, logger)
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("location %s: %w", loc.Name, err)
			}
			redisStores = append(redisStores, s)
			stores = append(stores, s)
		default:
			stores = append(stores, memory.NewBlobStore(loc.Name))
		}
	}
	return stores, closeAll, nil
}
