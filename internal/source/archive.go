package source

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"seriesview/internal/config"
	"seriesview/internal/errors"
	"seriesview/internal/logger"
	"seriesview/internal/series"
	"seriesview/internal/storage"
	"seriesview/pkg/retry"
)

const segmentExt = ".parquet"

// ArchiveSource reads parquet segments named {prefix}/{id}/{start}_{end}.parquet
// from an object store. Only segments overlapping the requested range are
// downloaded.
type ArchiveSource struct {
	store    storage.ObjectStore
	prefix   string
	cacheDir string
	breaker  *retry.CircuitBreaker
}

// NewArchiveSource reads from store. An empty cache dir uses the OS temp dir.
func NewArchiveSource(store storage.ObjectStore, cfg config.ArchiveConfig) *ArchiveSource {
	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		cacheDir = os.TempDir()
	}
	return &ArchiveSource{
		store:    store,
		prefix:   strings.Trim(cfg.Prefix, "/"),
		cacheDir: cacheDir,
		breaker:  retry.NewCircuitBreaker("archive", retry.DefaultCircuitBreakerConfig),
	}
}

func (a *ArchiveSource) Name() string { return TypeArchive }

func (a *ArchiveSource) seriesPrefix(id string) string {
	return path.Join(a.prefix, id) + "/"
}

// SegmentName is the object name of a segment covering [start, end].
func (a *ArchiveSource) SegmentName(id string, start, end float64) string {
	return a.seriesPrefix(id) + formatScore(start) + "_" + formatScore(end) + segmentExt
}

// parseSegmentName extracts the covered range from an object name.
func parseSegmentName(name string) (start, end float64, ok bool) {
	base := path.Base(name)
	if !strings.HasSuffix(base, segmentExt) {
		return 0, 0, false
	}
	base = strings.TrimSuffix(base, segmentExt)

	lo, hi, found := strings.Cut(base, "_")
	if !found {
		return 0, 0, false
	}
	var err error
	if start, err = strconv.ParseFloat(lo, 64); err != nil {
		return 0, 0, false
	}
	if end, err = strconv.ParseFloat(hi, 64); err != nil {
		return 0, 0, false
	}
	return start, end, start <= end
}

// Fetch downloads overlapping segments and returns their samples within
// [start, end], ascending.
func (a *ArchiveSource) Fetch(ctx context.Context, id string, start, end float64) ([]Sample, error) {
	if end < start {
		return nil, errors.ErrInvalidRange
	}

	return observe(TypeArchive, func() ([]Sample, error) {
		var out []Sample
		err := a.breaker.Execute(ctx, func(ctx context.Context) error {
			objects, err := a.store.ListObjects(ctx, a.seriesPrefix(id))
			if err != nil {
				return fmt.Errorf("list segments: %w", err)
			}

			for _, obj := range objects {
				segStart, segEnd, ok := parseSegmentName(obj.Name)
				if !ok {
					logger.LogDebug(ctx, "skipping unrecognised archive object", zap.String("object", obj.Name))
					continue
				}
				if segEnd < start || segStart > end {
					continue
				}

				data, err := a.store.GetObjectBytes(ctx, obj.Name)
				if err != nil {
					return fmt.Errorf("get segment %s: %w", obj.Name, err)
				}
				records, err := storage.DecodeSegment(a.cacheDir, data)
				if err != nil {
					return fmt.Errorf("decode segment %s: %w", obj.Name, err)
				}
				for _, r := range records {
					if r.T >= start && r.T <= end {
						out = append(out, Sample{Timestamp: r.T, Value: r.V})
					}
				}
			}
			return nil
		})
		if err != nil {
			return nil, sourceError(TypeArchive, err)
		}

		series.SortByTimestamp(out)
		return out, nil
	})
}

// PutSegment archives samples as one segment named after their time span.
func (a *ArchiveSource) PutSegment(ctx context.Context, id string, samples []Sample) (string, error) {
	if len(samples) == 0 {
		return "", errors.ErrInvalidInput.WithDetails("segment has no samples")
	}

	sorted := make([]Sample, len(samples))
	copy(sorted, samples)
	series.SortByTimestamp(sorted)

	records := make([]storage.SampleRecord, len(sorted))
	for i, s := range sorted {
		records[i] = storage.SampleRecord{T: s.Timestamp, V: s.Value}
	}

	data, err := storage.EncodeSegment(a.cacheDir, records, nil)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternal, "failed to encode segment")
	}

	name := a.SegmentName(id, sorted[0].Timestamp, sorted[len(sorted)-1].Timestamp)
	if err := a.store.PutObject(ctx, name, bytes.NewReader(data), int64(len(data))); err != nil {
		return "", errors.Wrap(err, errors.ErrCodeSourceFailure, "failed to upload segment")
	}

	logger.LogInfo(ctx, "archived segment",
		zap.String("object", name),
		zap.Int("samples", len(sorted)))
	return name, nil
}

// BreakerState exposes the store circuit breaker state.
func (a *ArchiveSource) BreakerState() retry.CircuitBreakerState {
	return a.breaker.State()
}
