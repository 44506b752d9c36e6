package pool

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"seriesview/internal/config"
	"seriesview/internal/logger"
)

// PoolManager opens only the back-end clients a configuration needs and
// closes them together.
type PoolManager struct {
	redisPool *RedisPool
	minioPool *MinIOPool
	mutex     sync.RWMutex
}

// NeedsRedis reports whether any configured component talks to Redis.
func NeedsRedis(cfg *config.Config) bool {
	return cfg.Source.Type == "redis" || cfg.Subscription.Redis.Enabled
}

// NeedsMinIO reports whether the archive source is selected.
func NeedsMinIO(cfg *config.Config) bool {
	return cfg.Source.Type == "archive"
}

// NewPoolManager opens the pools cfg requires.
func NewPoolManager(ctx context.Context, cfg *config.Config) (*PoolManager, error) {
	pm := &PoolManager{}

	if NeedsRedis(cfg) {
		redisPool, err := NewRedisPool(ctx, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to create Redis pool: %w", err)
		}
		pm.redisPool = redisPool
		logger.LogInfo(ctx, "redis pool ready", zap.Any("connection", redisPool.GetConnectionInfo()))
	}

	if NeedsMinIO(cfg) {
		minioPool, err := NewMinIOPool(cfg.MinIO)
		if err != nil {
			pm.Close()
			return nil, fmt.Errorf("failed to create MinIO pool: %w", err)
		}
		if err := minioPool.EnsureBucket(ctx); err != nil {
			minioPool.Close()
			pm.Close()
			return nil, err
		}
		pm.minioPool = minioPool
		logger.LogInfo(ctx, "minio pool ready", zap.Any("connection", minioPool.GetConnectionInfo()))
	}

	logger.LogInfo(ctx, "connection pools initialized",
		zap.Bool("redis", pm.redisPool != nil),
		zap.Bool("minio", pm.minioPool != nil))
	return pm, nil
}

// GetRedisPool returns nil when Redis is not configured.
func (pm *PoolManager) GetRedisPool() *RedisPool {
	pm.mutex.RLock()
	defer pm.mutex.RUnlock()
	return pm.redisPool
}

// GetMinIOPool returns nil when the archive is not configured.
func (pm *PoolManager) GetMinIOPool() *MinIOPool {
	pm.mutex.RLock()
	defer pm.mutex.RUnlock()
	return pm.minioPool
}

// HealthChecks returns one check per open pool, keyed by name.
func (pm *PoolManager) HealthChecks() map[string]func(context.Context) error {
	pm.mutex.RLock()
	defer pm.mutex.RUnlock()

	checks := make(map[string]func(context.Context) error)
	if pm.redisPool != nil {
		checks["redis"] = pm.redisPool.HealthCheck
	}
	if pm.minioPool != nil {
		checks["minio"] = pm.minioPool.HealthCheck
	}
	return checks
}

// Close releases every pool. It is safe to call more than once.
func (pm *PoolManager) Close() error {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	var errs []error
	if pm.redisPool != nil {
		if err := pm.redisPool.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
		pm.redisPool = nil
	}
	if pm.minioPool != nil {
		pm.minioPool.Close()
		pm.minioPool = nil
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing pools: %v", errs)
	}
	return nil
}
