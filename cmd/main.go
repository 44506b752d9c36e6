package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"seriesview/internal/auth"
	"seriesview/internal/config"
	"seriesview/internal/logger"
	"seriesview/internal/pool"
	"seriesview/internal/recovery"
	"seriesview/internal/registry"
	"seriesview/internal/series"
	"seriesview/internal/source"
	"seriesview/internal/subscription"
	"seriesview/pkg/retry"
	grpcTransport "seriesview/internal/transport/grpc"
	restTransport "seriesview/internal/transport/rest"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	checkOnly := flag.Bool("check", false, "check configured dependencies and exit")
	hashPassword := flag.String("hash-password", "", "print the bcrypt hash of a password for auth.users and exit")
	genAPIKey := flag.Bool("gen-api-key", false, "print a random key for auth.api_keys and exit")
	flag.Parse()

	if *hashPassword != "" || *genAPIKey {
		os.Exit(runCredentials(*hashPassword, *genAPIKey))
	}

	ctx := context.Background()
	cfg, err := config.LoadConfig(ctx, *configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.InitLogger(cfg.Log); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	if *checkOnly {
		os.Exit(runCheck(ctx, cfg))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	recoveryHandler := recovery.NewRecoveryHandler("main", logger.GetLogger())
	defer recoveryHandler.Recover()

	logger.LogInfo(ctx, "starting seriesview",
		zap.String("source", cfg.Source.Type),
		zap.Float64("preload_factor", cfg.Series.PreloadFactor),
		zap.String("refill_policy", cfg.Series.RefillPolicy))

	pools, err := pool.NewPoolManager(ctx, cfg)
	if err != nil {
		logger.LogFatal(ctx, "failed to create connection pools", zap.Error(err))
	}

	src, srcCloser, err := source.New(ctx, cfg, pools)
	if err != nil {
		logger.LogFatal(ctx, "failed to create data source", zap.Error(err))
	}

	policy, err := series.ParseRefillPolicy(cfg.Series.RefillPolicy)
	if err != nil {
		logger.LogFatal(ctx, "invalid refill policy", zap.Error(err))
	}
	reg, err := registry.New[float64, float64](ctx, series.Config{
		PreloadFactor: cfg.Series.PreloadFactor,
		RefillPolicy:  policy,
	}, src)
	if err != nil {
		logger.LogFatal(ctx, "failed to create registry", zap.Error(err))
	}
	if err := reg.Preregister(ctx, cfg.Series.Preregister); err != nil {
		logger.LogFatal(ctx, "failed to preregister series", zap.Error(err))
	}

	subManager, err := buildSubscriptions(cfg, pools, reg)
	if err != nil {
		logger.LogFatal(ctx, "failed to configure subscriptions", zap.Error(err))
	}
	if err := subManager.Start(ctx); err != nil {
		logger.LogFatal(ctx, "failed to start subscriptions", zap.Error(err))
	}

	healthChecker := recovery.NewHealthChecker(30*time.Second, 5*time.Second, logger.GetLogger())
	for name, check := range pools.HealthChecks() {
		healthChecker.AddCheck(recovery.NewServiceHealthCheck(name, check))
	}
	if subManager.SubscriberCount() > 0 {
		healthChecker.AddCheck(recovery.NewServiceHealthCheck("subscriptions", subManager.HealthCheck))
	}
	if archive, ok := src.(*source.ArchiveSource); ok {
		healthChecker.AddCheck(recovery.NewServiceHealthCheck("archive_breaker", func(ctx context.Context) error {
			if state := archive.BreakerState(); state == retry.CircuitBreakerOpen {
				return fmt.Errorf("archive circuit breaker is %s", state)
			}
			return nil
		}))
	}
	recoveryHandler.SafeGoWithContext(ctx, healthChecker.Start)

	authManager, err := auth.NewAuthManager(authConfig(cfg.Auth))
	if err != nil {
		logger.LogFatal(ctx, "failed to create auth manager", zap.Error(err))
	}

	restServer := restTransport.NewServer(reg, authManager, healthChecker, cfg)
	recoveryHandler.SafeGo(func() {
		if err := restServer.Start(cfg.Server.RestPort); err != nil {
			logger.LogError(ctx, err, "REST server stopped")
			cancel()
		}
	})

	grpcServer, err := grpcTransport.NewServer(ctx, reg, cfg)
	if err != nil {
		logger.LogFatal(ctx, "failed to create gRPC server", zap.Error(err))
	}
	recoveryHandler.SafeGo(func() {
		if err := grpcServer.Start(ctx, cfg.Server.GrpcPort); err != nil {
			logger.LogError(ctx, err, "gRPC server stopped")
			cancel()
		}
	})

	shutdown := recovery.NewGracefulShutdown(cfg.Server.ShutdownTimeout, logger.GetLogger())
	shutdown.AddShutdownFunc("pools", func(ctx context.Context) error { return pools.Close() })
	shutdown.AddShutdownFunc("source", func(ctx context.Context) error { return srcCloser.Close() })
	shutdown.AddShutdownFunc("registry", func(ctx context.Context) error {
		reg.Close(ctx)
		return nil
	})
	shutdown.AddShutdownFunc("subscriptions", func(ctx context.Context) error {
		healthChecker.RemoveCheck("subscriptions")
		if !subManager.IsRunning() {
			return nil
		}
		return subManager.Stop(ctx)
	})
	shutdown.AddShutdownFunc("grpc", func(ctx context.Context) error {
		grpcServer.Stop(ctx)
		return nil
	})
	shutdown.AddShutdownFunc("rest", restServer.Stop)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.LogInfo(ctx, "received shutdown signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
		logger.LogWarn(ctx, "server failed, shutting down")
	}

	if err := shutdown.Shutdown(context.Background()); err != nil {
		logger.LogError(ctx, err, "shutdown finished with errors")
		return
	}
	logger.LogInfo(ctx, "seriesview stopped")
}

func buildSubscriptions(cfg *config.Config, pools *pool.PoolManager, reg *restTransport.Registry) (*subscription.Manager, error) {
	manager := subscription.NewManager()
	handler := subscription.NewHandler(reg, cfg.Subscription.Dedup)
	if cfg.Subscription.Redis.Enabled || cfg.Subscription.Kafka.Enabled {
		logger.LogInfo(context.Background(), "live ingest configured",
			zap.Bool("redis", cfg.Subscription.Redis.Enabled),
			zap.Bool("kafka", cfg.Subscription.Kafka.Enabled),
			zap.Bool("dedup", handler.DedupEnabled()))
	}

	if cfg.Subscription.Redis.Enabled {
		redisPool := pools.GetRedisPool()
		if redisPool == nil {
			return nil, fmt.Errorf("redis subscription enabled without a redis pool")
		}
		sub, err := subscription.NewRedisSubscriber(redisPool.GetClient(), cfg.Subscription.Redis, handler)
		if err != nil {
			return nil, err
		}
		if err := manager.RegisterSubscriber(sub); err != nil {
			return nil, err
		}
	}

	if cfg.Subscription.Kafka.Enabled {
		sub, err := subscription.NewKafkaSubscriber(cfg.Subscription.Kafka, handler)
		if err != nil {
			return nil, err
		}
		if err := manager.RegisterSubscriber(sub); err != nil {
			return nil, err
		}
	}

	return manager, nil
}

func authConfig(c config.AuthConfig) auth.AuthConfig {
	return auth.AuthConfig{
		Enabled:     c.Enabled,
		JWTSecret:   c.JWTSecret,
		TokenExpiry: c.TokenExpiry,
		APIKeys:     c.APIKeys,
		Users:       c.Users,
	}
}

func runCredentials(password string, genKey bool) int {
	if password != "" {
		hash, err := auth.HashPassword(password)
		if err != nil {
			fmt.Printf("Failed to hash password: %v\n", err)
			return 1
		}
		fmt.Println(hash)
	}
	if genKey {
		key, err := auth.GenerateAPIKey()
		if err != nil {
			fmt.Printf("Failed to generate API key: %v\n", err)
			return 1
		}
		fmt.Println(key)
	}
	return 0
}

func runCheck(ctx context.Context, cfg *config.Config) int {
	results := config.NewConfigValidator(cfg).ValidateAll(ctx)
	out, _ := json.MarshalIndent(map[string]interface{}{
		"status":  config.GetOverallStatus(results),
		"results": results,
	}, "", "  ")
	fmt.Println(string(out))

	if config.GetOverallStatus(results) == "error" {
		return 1
	}
	return 0
}
