// Package source provides the back-ends a series buffer refills from.
package source

import (
	"context"
	"fmt"
	"io"

	"seriesview/internal/config"
	"seriesview/internal/errors"
	"seriesview/internal/metrics"
	"seriesview/internal/pool"
	"seriesview/internal/series"
	"seriesview/internal/storage"
)

// Source fetches the stored samples of one series in [start, end].
type Source[T series.Timestamp, V any] interface {
	Name() string
	Fetch(ctx context.Context, id string, start, end T) ([]series.Sample[T, V], error)
}

// Sample is the concrete sample type every built-in source serves.
type Sample = series.Sample[float64, float64]

const (
	TypeSynthetic = "synthetic"
	TypeRedis     = "redis"
	TypeArchive   = "archive"
	TypeDuckDB    = "duckdb"
)

// New builds the source selected by cfg.Source.Type. Redis and archive
// sources take their clients from pools. The returned closer releases
// resources owned by the source itself and is never nil.
func New(ctx context.Context, cfg *config.Config, pools *pool.PoolManager) (Source[float64, float64], io.Closer, error) {
	switch cfg.Source.Type {
	case "", TypeSynthetic:
		s, err := NewSynthetic(cfg.Source.Synthetic)
		return s, nopCloser{}, err

	case TypeRedis:
		if pools == nil || pools.GetRedisPool() == nil {
			return nil, nil, errors.ErrInvalidConfiguration.WithDetails("redis source requires a redis pool")
		}
		s := NewRedisSource(pools.GetRedisPool().GetClient(), cfg.Source.Redis)
		return s, nopCloser{}, nil

	case TypeArchive:
		if pools == nil || pools.GetMinIOPool() == nil {
			return nil, nil, errors.ErrInvalidConfiguration.WithDetails("archive source requires a minio pool")
		}
		s := NewArchiveSource(storage.NewMinIOStore(pools.GetMinIOPool()), cfg.Source.Archive)
		return s, nopCloser{}, nil

	case TypeDuckDB:
		s, err := NewSQLSource(ctx, cfg.Source.DuckDB)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil

	default:
		return nil, nil, errors.ErrInvalidConfiguration.WithDetails(fmt.Sprintf("unknown source type %q", cfg.Source.Type))
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// observe times fn and records its outcome under source.
func observe[R any](source string, fn func() (R, error)) (R, error) {
	m := metrics.NewSourceMetrics(source)
	r, err := fn()
	if err != nil {
		m.Finish("error")
		return r, err
	}
	m.Finish("success")
	return r, nil
}

// filterRange keeps samples with start <= t <= end, in order.
func filterRange(samples []Sample, start, end float64) []Sample {
	out := samples[:0]
	for _, s := range samples {
		if s.Timestamp >= start && s.Timestamp <= end {
			out = append(out, s)
		}
	}
	return out
}

func sourceError(name string, err error) error {
	return errors.Wrapf(err, errors.ErrCodeSourceFailure, "%s source fetch failed", name)
}
