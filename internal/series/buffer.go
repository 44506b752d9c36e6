package series

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"seriesview/internal/errors"
	"seriesview/internal/logger"
	"seriesview/internal/metrics"
)

// Loader fetches samples for [start, end] and is expected to deliver them
// through Ingest, either before returning or later. It runs on the
// buffer's worker goroutine without any buffer lock held, so it may call
// Ingest, Snapshot or SetRange on the same buffer. It must not call Close.
type Loader[T Timestamp] func(ctx context.Context, start, end T) error

// Buffer holds a sliding window of samples around a visible range and
// refills it in the background.
//
// The data lock (mu) guards samples, the visible range, the preload bounds
// and the registered loader. The lifecycle lock (reqMu) guards the refill
// mailbox, the worker-started flag and closed. Lock order is reqMu then mu.
// Neither lock is held while a loader runs.
type Buffer[T Timestamp, V any] struct {
	name   string
	config *Config

	mu           sync.Mutex
	samples      []Sample[T, V]
	visibleStart T
	visibleEnd   T
	preloadStart T
	preloadEnd   T
	loader       Loader[T]

	reqMu   sync.Mutex
	pending *refillRequest[T]
	started bool
	closed  bool

	wake      chan struct{}
	quit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	loaderCtx    context.Context
	cancelLoader context.CancelFunc

	stats bufferCounters
}

type bufferCounters struct {
	refills      atomic.Int64
	loaderErrors atomic.Int64
	loaderPanics atomic.Int64
	ingested     atomic.Int64
	evicted      atomic.Int64
}

// Stats is a point-in-time view of a buffer's counters.
type Stats struct {
	Name          string       `json:"name"`
	Size          int          `json:"size"`
	Refills       int64        `json:"refills"`
	LoaderErrors  int64        `json:"loader_errors"`
	LoaderPanics  int64        `json:"loader_panics"`
	Ingested      int64        `json:"ingested"`
	Evicted       int64        `json:"evicted"`
	WorkerRunning bool         `json:"worker_running"`
	Closed        bool         `json:"closed"`
	PreloadFactor float64      `json:"preload_factor"`
	RefillPolicy  RefillPolicy `json:"refill_policy"`
}

// New creates an empty buffer with no range set. A nil config means
// DefaultConfig. ctx is the parent of the context handed to loaders.
func New[T Timestamp, V any](ctx context.Context, config *Config) (*Buffer[T, V], error) {
	if config == nil {
		config = DefaultConfig()
	} else {
		c := *config
		config = &c
	}
	if config.RefillPolicy == "" {
		config.RefillPolicy = RefillLatest
	}
	if config.Name == "" {
		config.Name = "series"
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	loaderCtx, cancel := context.WithCancel(logger.SetSeriesID(ctx, config.Name))
	b := &Buffer[T, V]{
		name:         config.Name,
		config:       config,
		wake:         make(chan struct{}, 1),
		quit:         make(chan struct{}),
		loaderCtx:    loaderCtx,
		cancelLoader: cancel,
	}

	logger.LogDebug(ctx, "series buffer created",
		zap.String("series", b.name),
		zap.Float64("preload_factor", config.PreloadFactor),
		zap.String("refill_policy", string(config.RefillPolicy)))

	return b, nil
}

// Name returns the series label.
func (b *Buffer[T, V]) Name() string {
	return b.name
}

// pad is the preload margin for a range of the given span.
func (b *Buffer[T, V]) pad(start, end T) T {
	return T(float64(end-start) * b.config.PreloadFactor)
}

// SetRange declares the visible range, records loader and asks the worker
// to refill [start-pad, end+pad]. The first call starts the worker.
//
// Rapid calls coalesce: a worker that has not yet picked up a request sees
// only the newest one. With RefillPinned the worker ignores the new bounds
// and reuses those from its first request.
func (b *Buffer[T, V]) SetRange(start, end T, loader Loader[T]) error {
	if loader == nil {
		return errors.ErrInvalidConfiguration.WithDetails("loader is required")
	}
	if end < start {
		return errors.ErrInvalidRange.WithDetails(fmt.Sprintf("start=%v end=%v", start, end))
	}

	b.reqMu.Lock()
	if b.closed {
		b.reqMu.Unlock()
		return errors.ErrBufferClosed.WithDetails(b.name)
	}

	pad := b.pad(start, end)
	req := refillRequest[T]{start: start - pad, end: end + pad, loader: loader}

	b.mu.Lock()
	b.visibleStart, b.visibleEnd = start, end
	b.preloadStart, b.preloadEnd = req.start, req.end
	b.loader = loader
	b.mu.Unlock()

	b.pending = &req
	if !b.started {
		b.started = true
		b.wg.Add(1)
		go b.run(req)
	}
	b.reqMu.Unlock()

	b.signal()
	return nil
}

// Ingest appends batch and evicts every sample older than the retention
// boundary of the current visible range. An empty batch is a no-op.
// Ingest keeps working after Close.
func (b *Buffer[T, V]) Ingest(batch []Sample[T, V]) {
	if len(batch) == 0 {
		return
	}

	b.mu.Lock()
	b.samples = append(b.samples, batch...)
	evicted := b.evictLocked()
	size := len(b.samples)
	b.mu.Unlock()

	b.stats.ingested.Add(int64(len(batch)))
	b.stats.evicted.Add(int64(evicted))
	metrics.RecordIngest(b.name, len(batch), evicted, size)
}

// evictLocked filters samples in place and returns how many were dropped.
func (b *Buffer[T, V]) evictLocked() int {
	boundary := b.retentionBoundaryLocked()
	kept := b.samples[:0]
	for _, s := range b.samples {
		if s.Timestamp >= boundary {
			kept = append(kept, s)
		}
	}
	evicted := len(b.samples) - len(kept)
	clear(b.samples[len(kept):])
	b.samples = kept
	return evicted
}

func (b *Buffer[T, V]) retentionBoundaryLocked() T {
	return b.visibleStart - b.pad(b.visibleStart, b.visibleEnd)
}

// Initialize replaces the contents with a copy of samples. No retention
// pass runs.
func (b *Buffer[T, V]) Initialize(samples []Sample[T, V]) {
	fresh := make([]Sample[T, V], len(samples))
	copy(fresh, samples)

	b.mu.Lock()
	b.samples = fresh
	b.mu.Unlock()

	metrics.UpdateBufferSize(b.name, len(fresh))
}

// Snapshot returns a copy of the retained samples in storage order.
func (b *Buffer[T, V]) Snapshot() []Sample[T, V] {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Sample[T, V], len(b.samples))
	copy(out, b.samples)
	return out
}

// SnapshotRange returns a copy of the samples with start <= t <= end.
func (b *Buffer[T, V]) SnapshotRange(start, end T) []Sample[T, V] {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Sample[T, V], 0)
	for _, s := range b.samples {
		if s.Timestamp >= start && s.Timestamp <= end {
			out = append(out, s)
		}
	}
	return out
}

// Len returns the number of retained samples.
func (b *Buffer[T, V]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.samples)
}

// VisibleRange returns the range from the latest SetRange, zero before it.
func (b *Buffer[T, V]) VisibleRange() (start, end T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.visibleStart, b.visibleEnd
}

// PreloadBounds returns the padded range requested by the latest SetRange.
func (b *Buffer[T, V]) PreloadBounds() (start, end T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.preloadStart, b.preloadEnd
}

// RetentionBoundary returns the timestamp below which Ingest evicts.
func (b *Buffer[T, V]) RetentionBoundary() T {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.retentionBoundaryLocked()
}

// Stats returns counters and lifecycle flags.
func (b *Buffer[T, V]) Stats() Stats {
	b.reqMu.Lock()
	running := b.started && !b.closed
	closed := b.closed
	b.reqMu.Unlock()

	return Stats{
		Name:          b.name,
		Size:          b.Len(),
		Refills:       b.stats.refills.Load(),
		LoaderErrors:  b.stats.loaderErrors.Load(),
		LoaderPanics:  b.stats.loaderPanics.Load(),
		Ingested:      b.stats.ingested.Load(),
		Evicted:       b.stats.evicted.Load(),
		WorkerRunning: running,
		Closed:        closed,
		PreloadFactor: b.config.PreloadFactor,
		RefillPolicy:  b.config.RefillPolicy,
	}
}

// Close stops the worker and waits for it to exit. The loader context is
// cancelled first so a cooperative loader can return early, but Close
// still waits for it: a loader that never returns blocks Close forever.
// Close is idempotent and must not be called from a loader.
func (b *Buffer[T, V]) Close() {
	b.reqMu.Lock()
	b.closed = true
	b.pending = nil
	b.reqMu.Unlock()

	b.closeOnce.Do(func() {
		close(b.quit)
		b.cancelLoader()
	})
	b.wg.Wait()

	metrics.RemoveSeries(b.name)
}
