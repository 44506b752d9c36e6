package subscription

import (
	"context"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"go.uber.org/zap"

	"seriesview/internal/config"
	"seriesview/internal/logger"
	"seriesview/internal/metrics"
	"seriesview/internal/source"
)

// Appender is the registry operation live ingest needs.
type Appender interface {
	AppendSamples(ctx context.Context, id string, batch []source.Sample) error
}

// Outcome classifies a handled message.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeMalformed Outcome = "malformed"
	OutcomeRejected  Outcome = "rejected"
)

// Handler decodes payloads and appends them to the registry. Batches that
// carry a batch id are deduplicated with a bloom filter, so a false
// positive may drop a batch that was never applied. A batch id being
// applied is held in inflight; a concurrent delivery of the same id waits
// for that attempt to finish.
type Handler struct {
	appender Appender

	mu       sync.Mutex
	dedup    *bloom.BloomFilter
	inflight map[string]chan struct{}
}

// NewHandler builds a handler; dedup is sized from cfg when enabled.
func NewHandler(appender Appender, cfg config.DedupConfig) *Handler {
	h := &Handler{appender: appender, inflight: make(map[string]chan struct{})}
	if cfg.Enabled && cfg.ExpectedBatches > 0 {
		h.dedup = bloom.NewWithEstimates(cfg.ExpectedBatches, cfg.FalsePositiveRate)
	}
	return h
}

// DedupEnabled reports whether batch ids are tracked.
func (h *Handler) DedupEnabled() bool {
	return h.dedup != nil
}

// claim reports whether batchID was already applied. Otherwise it marks
// the id in flight and the caller must call release.
func (h *Handler) claim(ctx context.Context, batchID string) (bool, error) {
	if h.dedup == nil || batchID == "" {
		return false, nil
	}
	h.mu.Lock()
	for {
		if h.dedup.TestString(batchID) {
			h.mu.Unlock()
			return true, nil
		}
		done, busy := h.inflight[batchID]
		if !busy {
			break
		}
		h.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return false, ctx.Err()
		}
		h.mu.Lock()
	}
	h.inflight[batchID] = make(chan struct{})
	h.mu.Unlock()
	return false, nil
}

// release ends a claim, recording batchID as seen when applied.
func (h *Handler) release(batchID string, applied bool) {
	if h.dedup == nil || batchID == "" {
		return
	}
	h.mu.Lock()
	if applied {
		h.dedup.AddString(batchID)
	}
	done := h.inflight[batchID]
	delete(h.inflight, batchID)
	h.mu.Unlock()
	close(done)
}

// Handle processes one message from broker. fallbackSeries names the
// series when the payload omits it. A batch is marked seen only after it
// has been applied, so a rejected batch can be redelivered.
func (h *Handler) Handle(ctx context.Context, broker SubscriberType, data []byte, fallbackSeries string) (Outcome, error) {
	batch, err := DecodeBatch(data, fallbackSeries)
	if err != nil {
		metrics.RecordSubscriptionEvent(string(broker), string(OutcomeMalformed))
		logger.LogWarn(ctx, "dropping malformed sample batch",
			zap.String("broker", string(broker)),
			zap.Error(err))
		return OutcomeMalformed, err
	}

	duplicate, err := h.claim(ctx, batch.BatchID)
	if err != nil {
		return OutcomeRejected, err
	}
	if duplicate {
		metrics.RecordSubscriptionEvent(string(broker), string(OutcomeDuplicate))
		logger.LogDebug(ctx, "skipping duplicate sample batch",
			zap.String("series", batch.Series),
			zap.String("batch_id", batch.BatchID))
		return OutcomeDuplicate, nil
	}

	err = h.appender.AppendSamples(ctx, batch.Series, batch.Samples)
	h.release(batch.BatchID, err == nil)
	if err != nil {
		metrics.RecordSubscriptionEvent(string(broker), string(OutcomeRejected))
		logger.LogWarn(ctx, "sample batch rejected",
			zap.String("broker", string(broker)),
			zap.String("series", batch.Series),
			zap.Error(err))
		return OutcomeRejected, err
	}

	metrics.RecordSubscriptionEvent(string(broker), string(OutcomeApplied))
	return OutcomeApplied, nil
}
