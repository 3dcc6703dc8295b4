package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/meshworks/meshchat/internal/auth"
	"github.com/meshworks/meshchat/internal/config"
	"github.com/meshworks/meshchat/internal/health"
	"github.com/meshworks/meshchat/internal/httpapi"
	"github.com/meshworks/meshchat/internal/objstore"
	"github.com/meshworks/meshchat/internal/orchestrator"
	"github.com/meshworks/meshchat/internal/repository"
	"github.com/meshworks/meshchat/internal/session"
	"github.com/meshworks/meshchat/internal/tracing"
	"github.com/meshworks/meshchat/internal/worker"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, logLevel, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting meshchat",
		zap.String("implementation", cfg.Assistant.Implementation),
		zap.Int("max_workers", cfg.Assistant.MaxWorkers),
		zap.Int("port", cfg.Service.Port))

	if err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
	}, logger); err != nil {
		logger.Warn("Tracing init failed, continuing without", zap.Error(err))
	}

	// ------------------------------------------------------------------
	// Persistence: Postgres, Redis (optional), object storage.
	// ------------------------------------------------------------------
	dbClient, err := repository.NewClient(&repository.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxConnections:  cfg.Database.MaxConnections,
		IdleConnections: cfg.Database.IdleConnections,
		MaxLifetime:     cfg.Database.MaxLifetime,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize database client", zap.Error(err))
	}
	defer dbClient.Close()

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			logger.Warn("Redis unreachable at startup, cache degrades to Postgres",
				zap.String("addr", cfg.Redis.Addr()),
				zap.Error(err))
		}
		cancel()
		defer redisClient.Close()
	}

	store, err := objstore.New(ctx, objstore.Config{
		Region:       cfg.Storage.Region,
		Endpoint:     cfg.Storage.Endpoint,
		AccessKey:    cfg.Storage.AccessKey,
		SecretKey:    cfg.Storage.SecretKey,
		BucketPrefix: cfg.Storage.BucketPrefix,
		UsePathStyle: cfg.Storage.UsePathStyle,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize object store", zap.Error(err))
	}

	users := repository.NewUsers(dbClient.DB(), logger)
	chats := repository.NewChats(dbClient.DB(), logger)
	messages := repository.NewMessages(dbClient.DB(), logger)
	models := repository.NewModels(dbClient.DB(), store, logger)

	// The orchestrator reads chat history through the session cache when
	// Redis is up; without it, straight from Postgres.
	var messageStore orchestrator.MessageStore = messages
	var history *session.History
	if redisClient != nil {
		history = session.NewHistory(redisClient, messages, session.Config{
			TTL:      cfg.Session.TTL,
			Depth:    cfg.Session.Depth,
			MaxChats: cfg.Session.MaxChats,
		}, logger)
		messageStore = history
	}

	// ------------------------------------------------------------------
	// Inference: worker pool + stream orchestrator.
	// ------------------------------------------------------------------
	pool := worker.NewPool(worker.PoolConfig{
		MaxWorkers: cfg.Assistant.MaxWorkers,
		Spawn: worker.SpawnConfig{
			Binary:       cfg.Assistant.WorkerBinary,
			Args:         workerArgs(cfg),
			ReadyTimeout: cfg.Assistant.ReadyTimeout,
		},
	}, logger)

	orch := orchestrator.New(pool, messageStore, models, orchestrator.Config{
		HistoryTurns: cfg.Assistant.HistoryTurns,
	}, logger)

	// ------------------------------------------------------------------
	// HTTP front: auth, rate limiting, handlers.
	// ------------------------------------------------------------------
	jwtManager := auth.NewJWTManager(cfg.Auth.SigningKey, cfg.Auth.TokenExpiry)
	authMW := auth.NewMiddleware(jwtManager, cfg.Auth.SkipAuth, logger)
	if cfg.Auth.SkipAuth {
		logger.Warn("Authentication is disabled, all requests run as the dev identity")
	}
	var devIssuer *auth.DevIssuer
	if cfg.Auth.DevPasswordHash != "" {
		devIssuer = auth.NewDevIssuer(jwtManager, cfg.Auth.DevPasswordHash)
	}

	var limiterRedis redis.Cmdable
	if redisClient != nil {
		limiterRedis = redisClient
	}
	limiter := httpapi.NewRateLimiter(limiterRedis, cfg.RateLimit.PerMinute, logger)

	var invalidator httpapi.HistoryInvalidator
	if history != nil {
		invalidator = history
	}
	api := httpapi.NewServer(orch, httpapi.Stores{
		Users:    users,
		Chats:    chats,
		Messages: messages,
		Models:   models,
	}, invalidator, authMW, limiter, devIssuer, logger)

	// ------------------------------------------------------------------
	// Admin surface: health probes and metrics on their own port.
	// ------------------------------------------------------------------
	healthManager := health.NewManager(cfg.Health.CheckInterval, cfg.Health.CheckTimeout, logger)
	if cfg.Health.Enabled {
		_ = healthManager.RegisterChecker(health.NewDatabaseChecker(dbClient.DB().DB))
		if redisClient != nil {
			_ = healthManager.RegisterChecker(health.NewRedisChecker(redisClient))
		}
		_ = healthManager.RegisterChecker(health.NewObjectStoreChecker(store))
		_ = healthManager.RegisterChecker(health.NewWorkersChecker(pool, orch.Streams))
		healthManager.Start()
		defer healthManager.Stop()
	}

	var adminServer *http.Server
	if cfg.Service.AdminPort > 0 {
		adminMux := http.NewServeMux()
		health.NewHandler(healthManager, logger).RegisterRoutes(adminMux)
		if cfg.Metrics.Enabled {
			adminMux.Handle("GET /metrics", promhttp.Handler())
		}
		adminServer = &http.Server{
			Addr:              ":" + strconv.Itoa(cfg.Service.AdminPort),
			Handler:           adminMux,
			ReadHeaderTimeout: cfg.Service.ReadHeaderTimeout,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		go func() {
			logger.Info("Admin server listening", zap.Int("port", cfg.Service.AdminPort))
			if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Admin server failed", zap.Error(err))
			}
		}()
	}

	// ------------------------------------------------------------------
	// Configuration hot reload for the knobs that support it.
	// ------------------------------------------------------------------
	if path := config.Path(); path != "" {
		configMgr, err := config.NewConfigManager(filepath.Dir(path), logger)
		if err != nil {
			logger.Warn("Config watcher init failed, hot reload disabled", zap.Error(err))
		} else {
			meshCfgMgr := config.NewMeshChatConfigManager(configMgr, logger)
			meshCfgMgr.RegisterCallback(func(old, next *config.Config) error {
				if old.Logging.Level != next.Logging.Level {
					return logLevel.UnmarshalText([]byte(next.Logging.Level))
				}
				return nil
			})
			if err := configMgr.Start(ctx); err != nil {
				logger.Warn("Config watcher start failed, hot reload disabled", zap.Error(err))
			} else {
				defer configMgr.Stop()
				if err := meshCfgMgr.Initialize(); err != nil {
					logger.Warn("Config hot reload init failed", zap.Error(err))
				}
			}
		}
	}

	// ------------------------------------------------------------------
	// API server.
	// ------------------------------------------------------------------
	apiServer := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.Port),
		Handler:           api.Handler(),
		ReadHeaderTimeout: cfg.Service.ReadHeaderTimeout,
		// No write timeout: SSE and WebSocket connections stay open for the
		// life of a stream.
		WriteTimeout:   0,
		IdleTimeout:    cfg.Service.IdleTimeout,
		MaxHeaderBytes: cfg.Service.MaxHeaderBytes,
	}
	go func() {
		logger.Info("API server listening", zap.Int("port", cfg.Service.Port))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("API server failed", zap.Error(err))
		}
	}()

	// ------------------------------------------------------------------
	// Shutdown: drain HTTP, cancel live streams, close the pool.
	// ------------------------------------------------------------------
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Service.GracefulTimeout)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server forced down", zap.Error(err))
	}
	if adminServer != nil {
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Admin server forced down", zap.Error(err))
		}
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Error("Orchestrator shutdown failed", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Tracing shutdown failed", zap.Error(err))
	}

	logger.Info("Shutdown complete")
}

// buildLogger constructs the service logger from configuration. The
// returned atomic level is handed to the config-reload callback so
// logging.level applies without a restart.
func buildLogger(cfg config.LoggingConfig) (*zap.Logger, zap.AtomicLevel, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, level, err
	}

	var zcfg zap.Config
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = level
	zcfg.Encoding = cfg.Encoding

	logger, err := zcfg.Build()
	if err != nil {
		return nil, level, err
	}
	return logger, level, nil
}

// workerArgs renders the flags the meshworker binary is spawned with. The
// worker picks its assistant implementation the same way the service does.
func workerArgs(cfg *config.Config) []string {
	args := []string{
		"-implementation", cfg.Assistant.Implementation,
		"-log-level", cfg.Logging.Level,
	}
	if cfg.Assistant.ModelPath != "" {
		args = append(args, "-model-path", cfg.Assistant.ModelPath)
	}
	if cfg.Assistant.LoraPath != "" {
		args = append(args, "-lora-path", cfg.Assistant.LoraPath)
	}
	if cfg.Assistant.LlamaURL != "" {
		args = append(args, "-llama-url", cfg.Assistant.LlamaURL)
	}
	if cfg.Assistant.MaxTokens > 0 {
		args = append(args, "-max-tokens", strconv.Itoa(cfg.Assistant.MaxTokens))
	}
	if cfg.Assistant.MockInterval > 0 {
		args = append(args, "-mock-interval", cfg.Assistant.MockInterval.String())
	}
	return args
}
