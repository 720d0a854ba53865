package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mikepica/pmo-playbook-sub001/internal/checkpoint"
	"github.com/mikepica/pmo-playbook-sub001/internal/config"
	"github.com/mikepica/pmo-playbook-sub001/internal/doccache"
	"github.com/mikepica/pmo-playbook-sub001/internal/health"
	"github.com/mikepica/pmo-playbook-sub001/internal/httpapi"
	"github.com/mikepica/pmo-playbook-sub001/internal/llm"
	_ "github.com/mikepica/pmo-playbook-sub001/internal/metrics" // register collectors
	"github.com/mikepica/pmo-playbook-sub001/internal/repository"
	"github.com/mikepica/pmo-playbook-sub001/internal/session"
	"github.com/mikepica/pmo-playbook-sub001/internal/stages"
	"github.com/mikepica/pmo-playbook-sub001/internal/tracing"
	"github.com/mikepica/pmo-playbook-sub001/internal/workflow"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfgMgr, err := config.Load(os.Getenv("CONFIG_PATH"), logger)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	cfg := cfgMgr.Get()

	if err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
	}, logger); err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}

	// Redis backs conversations and checkpoints.
	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	{
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			cancel()
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		cancel()
	}
	defer redisClient.Close()

	// Postgres backs the knowledge-base documents.
	db, err := repository.Connect(cfg.Postgres)
	if err != nil {
		logger.Fatal("Failed to connect to Postgres", zap.Error(err))
	}
	defer db.Close()
	repo := repository.NewPostgresRepository(db, logger)

	cache := doccache.New(repo, doccache.Config{
		Enabled:     cfg.Cache.Enabled,
		TTL:         cfg.Cache.TTL(),
		AutoRefresh: cfg.Cache.AutoRefresh,
	}, logger)
	cache.Start()
	defer cache.Stop()

	llmClient := llm.NewHTTPClient(llm.Config{
		BaseURL:        cfg.LLM.BaseURL,
		Timeout:        cfg.LLM.Timeout(),
		RequestsPerSec: cfg.LLM.RequestsPerSec,
		Burst:          cfg.LLM.Burst,
	}, logger)

	sessions := session.NewManager(redisClient, session.Config{
		TTL:        cfg.Session.TTL(),
		MaxHistory: cfg.Session.MaxHistory,
	}, logger)

	ckptStore := checkpoint.NewRedisStore(redisClient, cfg.Checkpoint.TTL(), logger)
	ckptWriter := checkpoint.NewWriter(ckptStore, cfg.Checkpoint.QueueSize, logger)

	handlers := stages.New(llmClient, cache, logger)
	engine := workflow.New(handlers, cache, sessions, ckptWriter, ckptStore, workflow.Config{
		HighConfidence:    cfg.Routing.HighConfidence,
		MediumConfidence:  cfg.Routing.MediumConfidence,
		ParallelEnabled:   cfg.Pipeline.ParallelEnabled,
		TaskTimeout:       cfg.Pipeline.TaskTimeout(),
		MaxConcurrency:    cfg.Pipeline.MaxConcurrency,
		CheckpointCadence: cfg.Checkpoint.Cadence,
		SeedTurns:         cfg.Session.SeedTurns,
	}, logger)

	// Hot-reload routing thresholds on config edits.
	cfgMgr.OnRoutingChange(func(r config.RoutingConfig) {
		engine.UpdateThresholds(r.HighConfidence, r.MediumConfidence)
	})
	cfgMgr.Watch()

	// API server.
	apiMux := http.NewServeMux()
	httpapi.NewQueryHandler(engine, logger).RegisterRoutes(apiMux)
	apiServer := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      apiMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 180 * time.Second, // pipeline runs are slow
		IdleTimeout:  60 * time.Second,
	}

	// Admin server: health, metrics, cache and checkpoint introspection.
	hm := health.NewManager(logger)
	hm.Register(health.NewRedisChecker(redisClient))
	hm.Register(health.NewPostgresChecker(db))

	adminMux := http.NewServeMux()
	hm.RegisterRoutes(adminMux)
	adminMux.Handle("/metrics", promhttp.Handler())
	httpapi.NewAdminHandler(cache, ckptWriter, cfgMgr, logger).RegisterRoutes(adminMux)
	adminServer := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.AdminPort),
		Handler:      adminMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Admin HTTP server listening", zap.Int("port", cfg.Server.AdminPort))
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Admin HTTP server failed", zap.Error(err))
		}
	}()
	go func() {
		logger.Info("API server listening", zap.Int("port", cfg.Server.Port))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("API server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown error", zap.Error(err))
	}
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Admin server shutdown error", zap.Error(err))
	}

	// Drain pending checkpoints before closing stores.
	if err := ckptWriter.Flush(shutdownCtx); err != nil {
		logger.Warn("Checkpoint writer flush timed out", zap.Error(err))
	}
	ckptWriter.Close()

	logger.Info("Shutdown complete")
}
