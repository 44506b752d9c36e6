package series

import (
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"

	"seriesview/internal/logger"
	"seriesview/internal/metrics"
)

type refillRequest[T Timestamp] struct {
	start  T
	end    T
	loader Loader[T]
}

// signal wakes the worker without blocking. A wake raised while one is
// already pending is absorbed, the mailbox already holds the newest request.
func (b *Buffer[T, V]) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// take empties the mailbox.
func (b *Buffer[T, V]) take() (refillRequest[T], bool) {
	b.reqMu.Lock()
	defer b.reqMu.Unlock()

	if b.pending == nil {
		return refillRequest[T]{}, false
	}
	req := *b.pending
	b.pending = nil
	return req, true
}

func (b *Buffer[T, V]) run(first refillRequest[T]) {
	defer b.wg.Done()

	logger.LogDebug(b.loaderCtx, "refill worker started", zap.String("series", b.name))
	defer logger.LogDebug(b.loaderCtx, "refill worker stopped", zap.String("series", b.name))

	for {
		select {
		case <-b.quit:
			return
		case <-b.wake:
		}

		req, ok := b.take()
		if !ok {
			continue
		}
		if b.config.RefillPolicy == RefillPinned {
			req.start, req.end = first.start, first.end
		}

		// quit and wake can be ready together; never start a loader once
		// Close has begun.
		select {
		case <-b.quit:
			return
		default:
		}

		b.invoke(req)
	}
}

func (b *Buffer[T, V]) invoke(req refillRequest[T]) {
	m := metrics.NewRefillMetrics(b.name)
	result := "success"
	var stack []byte

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				result = "panic"
				stack = debug.Stack()
				err = fmt.Errorf("loader panic: %v", r)
			}
		}()
		return req.loader(b.loaderCtx, req.start, req.end)
	}()

	b.stats.refills.Add(1)
	switch {
	case result == "panic":
		b.stats.loaderPanics.Add(1)
		logger.LogError(b.loaderCtx, err, "loader panicked",
			zap.String("series", b.name),
			zap.ByteString("stack", stack))
	case err != nil:
		result = "error"
		b.stats.loaderErrors.Add(1)
	}

	d := m.Finish(result)
	logger.LogRefill(b.loaderCtx, b.name, float64(req.start), float64(req.end), d, err)
}
