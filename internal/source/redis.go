package source

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"seriesview/internal/config"
	"seriesview/internal/errors"
	"seriesview/internal/logger"
	"seriesview/pkg/retry"
)

// RedisSource reads series stored as sorted sets scored by timestamp.
// Members are JSON encoded samples.
type RedisSource struct {
	client    redis.UniversalClient
	keyPrefix string
	retry     retry.Config
}

// NewRedisSource uses client; the caller owns its lifetime.
func NewRedisSource(client redis.UniversalClient, cfg config.RedisSourceConfig) *RedisSource {
	rc := retry.DefaultConfig
	if cfg.MaxRetries > 0 {
		rc.MaxAttempts = cfg.MaxRetries
	}
	if cfg.RetryDelay > 0 {
		rc.InitialInterval = cfg.RetryDelay
	}
	return &RedisSource{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		retry:     rc,
	}
}

func (r *RedisSource) Name() string { return TypeRedis }

// Key is the sorted set holding id.
func (r *RedisSource) Key(id string) string {
	return r.keyPrefix + id
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Fetch returns the members scored within [start, end], ascending.
func (r *RedisSource) Fetch(ctx context.Context, id string, start, end float64) ([]Sample, error) {
	if end < start {
		return nil, errors.ErrInvalidRange
	}

	return observe(TypeRedis, func() ([]Sample, error) {
		var members []string
		err := retry.Do(ctx, r.retry, "redis.zrangebyscore", func(ctx context.Context) error {
			res, err := r.client.ZRangeByScore(ctx, r.Key(id), &redis.ZRangeBy{
				Min: formatScore(start),
				Max: formatScore(end),
			}).Result()
			if err != nil {
				if isTransient(err) {
					return retry.NewRetryableError(err)
				}
				return err
			}
			members = res
			return nil
		})
		if err != nil {
			return nil, sourceError(TypeRedis, err)
		}

		out := make([]Sample, 0, len(members))
		for _, m := range members {
			var s Sample
			if err := json.Unmarshal([]byte(m), &s); err != nil {
				logger.LogWarn(ctx, "skipping malformed sorted set member",
					zap.String("key", r.Key(id)),
					zap.Error(err))
				continue
			}
			out = append(out, s)
		}
		return out, nil
	})
}

// Store adds samples to id's sorted set.
func (r *RedisSource) Store(ctx context.Context, id string, samples []Sample) error {
	if len(samples) == 0 {
		return nil
	}

	members := make([]*redis.Z, 0, len(samples))
	for _, s := range samples {
		data, err := json.Marshal(s)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInvalidInput, "failed to encode sample")
		}
		members = append(members, &redis.Z{Score: s.Timestamp, Member: string(data)})
	}

	err := retry.Do(ctx, r.retry, "redis.zadd", func(ctx context.Context) error {
		err := r.client.ZAdd(ctx, r.Key(id), members...).Err()
		if err != nil && isTransient(err) {
			return retry.NewRetryableError(err)
		}
		return err
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConnectionFail, "failed to store samples")
	}
	return nil
}

// Trim removes samples older than before, returning how many were removed.
func (r *RedisSource) Trim(ctx context.Context, id string, before float64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	n, err := r.client.ZRemRangeByScore(ctx, r.Key(id), "-inf", "("+formatScore(before)).Result()
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeConnectionFail, "failed to trim samples")
	}
	return n, nil
}

func isTransient(err error) bool {
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return true
	}
	return stderrors.Is(err, io.EOF)
}
