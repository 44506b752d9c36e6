package pool

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/go-redis/redis/v8"

	"seriesview/internal/config"
)

// RedisPool owns the shared Redis client used by the redis source and
// the pub/sub subscriber.
type RedisPool struct {
	client *redis.Client
	config config.RedisConfig
}

// NewRedisPool connects and pings. Zero pool settings get defaults sized
// from the CPU count.
func NewRedisPool(ctx context.Context, cfg config.RedisConfig) (*RedisPool, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = runtime.NumCPU() * 2
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 3 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 3 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,

		PoolSize:     cfg.PoolSize,
		MinIdleConns: runtime.NumCPU(),
		PoolTimeout:  4 * time.Second,
		IdleTimeout:  5 * time.Minute,

		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,

		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisPool{
		client: client,
		config: cfg,
	}, nil
}

// GetClient returns the shared client.
func (p *RedisPool) GetClient() *redis.Client {
	return p.client
}

// HealthCheck pings the server.
func (p *RedisPool) HealthCheck(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close releases every connection.
func (p *RedisPool) Close() error {
	return p.client.Close()
}

// GetConnectionInfo reports pool statistics.
func (p *RedisPool) GetConnectionInfo() map[string]interface{} {
	stats := p.client.PoolStats()
	return map[string]interface{}{
		"addr":        p.config.Addr,
		"db":          p.config.DB,
		"pool_size":   p.config.PoolSize,
		"total_conns": stats.TotalConns,
		"idle_conns":  stats.IdleConns,
		"stale_conns": stats.StaleConns,
		"hits":        stats.Hits,
		"misses":      stats.Misses,
		"timeouts":    stats.Timeouts,
	}
}
