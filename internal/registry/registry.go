// Package registry maps series ids to their buffers and wires each buffer's
// refills to a data source.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"seriesview/internal/errors"
	"seriesview/internal/logger"
	"seriesview/internal/metrics"
	"seriesview/internal/series"
	"seriesview/internal/source"
)

// Registry owns every live series buffer. Its lock is never held while a
// buffer is closed or a loader runs, so loaders may call back into it.
type Registry[T series.Timestamp, V any] struct {
	mu      sync.RWMutex
	buffers map[string]*series.Buffer[T, V]
	closed  bool

	// dropping holds ids whose buffer is still closing; closed when done.
	dropping map[string]chan struct{}

	source source.Source[T, V]
	config series.Config
	ctx    context.Context
}

// New creates an empty registry. cfg is the template for every buffer;
// its Name is replaced by the series id. ctx is the parent of every
// loader context.
func New[T series.Timestamp, V any](ctx context.Context, cfg series.Config, src source.Source[T, V]) (*Registry[T, V], error) {
	if src == nil {
		return nil, errors.ErrInvalidConfiguration.WithDetails("source is required")
	}
	if cfg.RefillPolicy == "" {
		cfg.RefillPolicy = series.RefillLatest
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Registry[T, V]{
		buffers:  make(map[string]*series.Buffer[T, V]),
		dropping: make(map[string]chan struct{}),
		source:   src,
		config:   cfg,
		ctx:      ctx,
	}, nil
}

// SourceName names the configured source.
func (r *Registry[T, V]) SourceName() string {
	return r.source.Name()
}

// CreateSeries registers an empty buffer for id. If id is still being
// dropped, it waits for the old buffer to finish closing or for ctx.
func (r *Registry[T, V]) CreateSeries(ctx context.Context, id string) error {
	if id == "" {
		return errors.ErrInvalidInput.WithDetails("series id is required")
	}

	cfg := r.config
	cfg.Name = id

	r.mu.Lock()
	for {
		done, ok := r.dropping[id]
		if !ok {
			break
		}
		r.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		r.mu.Lock()
	}
	if r.closed {
		r.mu.Unlock()
		return errors.ErrBufferClosed.WithDetails("registry is closed")
	}
	if _, ok := r.buffers[id]; ok {
		r.mu.Unlock()
		return errors.ErrSeriesExists.WithDetails(id)
	}
	buf, err := series.New[T, V](r.ctx, &cfg)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.buffers[id] = buf
	count := len(r.buffers)
	r.mu.Unlock()

	metrics.SetRegisteredSeries(count)
	logger.LogInfo(ctx, "series created", zap.String("series", id))
	return nil
}

// Preregister creates every id in ids, skipping ones that already exist.
func (r *Registry[T, V]) Preregister(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if err := r.CreateSeries(ctx, id); err != nil && !errors.HasCode(err, errors.ErrCodeSeriesExists) {
			return fmt.Errorf("preregister %s: %w", id, err)
		}
	}
	return nil
}

func (r *Registry[T, V]) get(id string) (*series.Buffer[T, V], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	buf, ok := r.buffers[id]
	if !ok {
		return nil, errors.ErrSeriesNotFound.WithDetails(id)
	}
	return buf, nil
}

// AppendSamples ingests batch into id's buffer.
func (r *Registry[T, V]) AppendSamples(ctx context.Context, id string, batch []series.Sample[T, V]) error {
	buf, err := r.get(id)
	if err != nil {
		return err
	}
	buf.Ingest(batch)
	return nil
}

// UpdateVisibleRange sets id's visible range. The buffer refills in the
// background from the source.
func (r *Registry[T, V]) UpdateVisibleRange(ctx context.Context, id string, start, end T) error {
	buf, err := r.get(id)
	if err != nil {
		return err
	}
	return buf.SetRange(start, end, r.loaderFor(id, buf))
}

// loaderFor ingests into buf itself, not whatever id maps to when the
// fetch returns, so a refill of a dropped series never reaches its successor.
func (r *Registry[T, V]) loaderFor(id string, buf *series.Buffer[T, V]) series.Loader[T] {
	return func(ctx context.Context, start, end T) error {
		samples, err := r.source.Fetch(ctx, id, start, end)
		if err != nil {
			return err
		}
		buf.Ingest(samples)
		return nil
	}
}

// Preload fetches [start, end] from the source and ingests it before
// returning. The visible range is left unchanged.
func (r *Registry[T, V]) Preload(ctx context.Context, id string, start, end T) error {
	if end < start {
		return errors.ErrInvalidRange.WithDetails(fmt.Sprintf("start=%v end=%v", start, end))
	}
	buf, err := r.get(id)
	if err != nil {
		return err
	}

	ctx = logger.SetOperation(logger.SetSeriesID(ctx, id), "preload")
	begin := time.Now()
	samples, err := r.source.Fetch(ctx, id, start, end)
	if err == nil {
		buf.Ingest(samples)
	}
	logger.LogOperation(ctx, "preload", time.Since(begin), err, zap.Int("samples", len(samples)))
	return err
}

// Snapshot copies id's retained samples.
func (r *Registry[T, V]) Snapshot(ctx context.Context, id string) ([]series.Sample[T, V], error) {
	buf, err := r.get(id)
	if err != nil {
		return nil, err
	}
	return buf.Snapshot(), nil
}

// SnapshotRange copies id's retained samples within [start, end].
func (r *Registry[T, V]) SnapshotRange(ctx context.Context, id string, start, end T) ([]series.Sample[T, V], error) {
	if end < start {
		return nil, errors.ErrInvalidRange.WithDetails(fmt.Sprintf("start=%v end=%v", start, end))
	}
	buf, err := r.get(id)
	if err != nil {
		return nil, err
	}
	return buf.SnapshotRange(start, end), nil
}

// Window is a series' range bookkeeping: the visible range, the padded
// preload range of the latest request and the eviction boundary.
type Window[T series.Timestamp] struct {
	VisibleStart      T `json:"visible_start"`
	VisibleEnd        T `json:"visible_end"`
	PreloadStart      T `json:"preload_start"`
	PreloadEnd        T `json:"preload_end"`
	RetentionBoundary T `json:"retention_boundary"`
}

// Window reports id's current ranges.
func (r *Registry[T, V]) Window(ctx context.Context, id string) (Window[T], error) {
	buf, err := r.get(id)
	if err != nil {
		return Window[T]{}, err
	}
	w := Window[T]{RetentionBoundary: buf.RetentionBoundary()}
	w.VisibleStart, w.VisibleEnd = buf.VisibleRange()
	w.PreloadStart, w.PreloadEnd = buf.PreloadBounds()
	return w, nil
}

// Replace swaps id's contents for samples without a retention pass.
func (r *Registry[T, V]) Replace(ctx context.Context, id string, samples []series.Sample[T, V]) error {
	buf, err := r.get(id)
	if err != nil {
		return err
	}
	buf.Initialize(samples)
	logger.LogInfo(ctx, "series contents replaced", zap.String("series", id), zap.Int("samples", len(samples)))
	return nil
}

// Stats reports id's buffer counters.
func (r *Registry[T, V]) Stats(ctx context.Context, id string) (series.Stats, error) {
	buf, err := r.get(id)
	if err != nil {
		return series.Stats{}, err
	}
	return buf.Stats(), nil
}

// DropSeries unregisters id and closes its buffer, waiting for any
// in-flight refill. A CreateSeries for the same id waits until the close
// completes. Must not be called from a loader.
func (r *Registry[T, V]) DropSeries(ctx context.Context, id string) error {
	r.mu.Lock()
	buf, ok := r.buffers[id]
	if !ok {
		r.mu.Unlock()
		return errors.ErrSeriesNotFound.WithDetails(id)
	}
	delete(r.buffers, id)
	done := make(chan struct{})
	r.dropping[id] = done
	count := len(r.buffers)
	r.mu.Unlock()

	begin := time.Now()
	buf.Close()

	r.mu.Lock()
	delete(r.dropping, id)
	r.mu.Unlock()
	close(done)

	metrics.SetRegisteredSeries(count)
	logger.LogOperation(logger.SetSeriesID(ctx, id), "drop_series", time.Since(begin), nil)
	return nil
}

// List returns the registered ids, sorted.
func (r *Registry[T, V]) List() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.buffers))
	for id := range r.buffers {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Len is the number of registered series.
func (r *Registry[T, V]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.buffers)
}

// Closed reports whether Close has been called.
func (r *Registry[T, V]) Closed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// Close drops every series and rejects further creates. It is idempotent.
func (r *Registry[T, V]) Close(ctx context.Context) {
	r.mu.Lock()
	r.closed = true
	buffers := r.buffers
	r.buffers = make(map[string]*series.Buffer[T, V])
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, buf := range buffers {
		wg.Add(1)
		go func(b *series.Buffer[T, V]) {
			defer wg.Done()
			b.Close()
		}(buf)
	}
	wg.Wait()

	metrics.SetRegisteredSeries(0)
	if len(buffers) > 0 {
		logger.LogInfo(ctx, "registry closed", zap.Int("series", len(buffers)))
	}
}
