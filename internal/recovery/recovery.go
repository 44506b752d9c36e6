package recovery

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"seriesview/internal/metrics"
)

// RecoveryHandler logs and counts panics in background goroutines.
type RecoveryHandler struct {
	component string
	logger    *zap.Logger
}

// NewRecoveryHandler creates a handler tagged with component.
func NewRecoveryHandler(component string, logger *zap.Logger) *RecoveryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecoveryHandler{
		component: component,
		logger:    logger,
	}
}

// Recover must be deferred directly.
func (h *RecoveryHandler) Recover() {
	if r := recover(); r != nil {
		stack := make([]byte, 4096)
		length := runtime.Stack(stack, false)

		h.logger.Error("panic recovered",
			zap.String("component", h.component),
			zap.Any("panic", r),
			zap.ByteString("stack", stack[:length]))

		metrics.IncPanicRecovered(h.component)
	}
}

// SafeGo runs fn in a goroutine that cannot crash the process.
func (h *RecoveryHandler) SafeGo(fn func()) {
	go func() {
		defer h.Recover()
		fn()
	}()
}

// SafeGoWithContext is SafeGo for context-aware functions.
func (h *RecoveryHandler) SafeGoWithContext(ctx context.Context, fn func(context.Context)) {
	go func() {
		defer h.Recover()
		fn(ctx)
	}()
}

// HealthCheck is one named check.
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// HealthStatus is the outcome of one check.
type HealthStatus struct {
	Name      string        `json:"name"`
	Status    string        `json:"status"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
}

// HealthChecker runs registered checks on demand and periodically.
type HealthChecker struct {
	checks   map[string]HealthCheck
	mutex    sync.RWMutex
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
}

// NewHealthChecker creates an empty checker.
func NewHealthChecker(interval, timeout time.Duration, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthChecker{
		checks:   make(map[string]HealthCheck),
		interval: interval,
		timeout:  timeout,
		logger:   logger,
	}
}

// AddCheck registers or replaces a check.
func (hc *HealthChecker) AddCheck(check HealthCheck) {
	hc.mutex.Lock()
	defer hc.mutex.Unlock()
	hc.checks[check.Name()] = check
}

// RemoveCheck unregisters a check.
func (hc *HealthChecker) RemoveCheck(name string) {
	hc.mutex.Lock()
	defer hc.mutex.Unlock()
	delete(hc.checks, name)
}

// CheckAll runs every check concurrently. Results are sorted by name.
func (hc *HealthChecker) CheckAll(ctx context.Context) []HealthStatus {
	hc.mutex.RLock()
	checks := make([]HealthCheck, 0, len(hc.checks))
	for _, check := range hc.checks {
		checks = append(checks, check)
	}
	hc.mutex.RUnlock()

	results := make([]HealthStatus, len(checks))
	var wg sync.WaitGroup
	for i, check := range checks {
		wg.Add(1)
		go func(idx int, c HealthCheck) {
			defer wg.Done()
			results[idx] = hc.runCheck(ctx, c)
		}(i, check)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return results
}

// Healthy reports whether every result is healthy.
func Healthy(results []HealthStatus) bool {
	for _, r := range results {
		if r.Status != "healthy" {
			return false
		}
	}
	return true
}

func (hc *HealthChecker) runCheck(ctx context.Context, check HealthCheck) HealthStatus {
	checkCtx, cancel := context.WithTimeout(ctx, hc.timeout)
	defer cancel()

	start := time.Now()
	err := check.Check(checkCtx)

	status := HealthStatus{
		Name:      check.Name(),
		Status:    "healthy",
		Timestamp: start,
		Duration:  time.Since(start),
	}
	if err != nil {
		status.Status = "unhealthy"
		status.Error = err.Error()
	}
	return status
}

// Start runs CheckAll every interval until ctx is done.
func (hc *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, r := range hc.CheckAll(ctx) {
				if r.Status != "healthy" {
					hc.logger.Warn("health check failed",
						zap.String("check", r.Name),
						zap.String("error", r.Error),
						zap.Duration("duration", r.Duration))
				}
			}
		}
	}
}

// ServiceHealthCheck adapts a function to HealthCheck.
type ServiceHealthCheck struct {
	name    string
	checker func(context.Context) error
}

// NewServiceHealthCheck wraps checker.
func NewServiceHealthCheck(name string, checker func(context.Context) error) *ServiceHealthCheck {
	return &ServiceHealthCheck{
		name:    name,
		checker: checker,
	}
}

// Name is the key reported in health results.
func (shc *ServiceHealthCheck) Name() string {
	return shc.name
}

// Check runs the wrapped function.
func (shc *ServiceHealthCheck) Check(ctx context.Context) error {
	return shc.checker(ctx)
}

// GracefulShutdown runs registered shutdown functions in reverse order of
// registration under one deadline.
type GracefulShutdown struct {
	mu            sync.Mutex
	shutdownFuncs []namedShutdown
	timeout       time.Duration
	logger        *zap.Logger
}

type namedShutdown struct {
	name string
	fn   func(context.Context) error
}

// NewGracefulShutdown creates a shutdown sequence bounded by timeout.
func NewGracefulShutdown(timeout time.Duration, logger *zap.Logger) *GracefulShutdown {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GracefulShutdown{
		timeout: timeout,
		logger:  logger,
	}
}

// AddShutdownFunc registers fn. Later registrations run first.
func (gs *GracefulShutdown) AddShutdownFunc(name string, fn func(context.Context) error) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	gs.shutdownFuncs = append(gs.shutdownFuncs, namedShutdown{name: name, fn: fn})
}

// Shutdown runs every function, collecting errors. It gives up when the
// deadline passes.
func (gs *GracefulShutdown) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, gs.timeout)
	defer cancel()

	gs.mu.Lock()
	funcs := make([]namedShutdown, len(gs.shutdownFuncs))
	copy(funcs, gs.shutdownFuncs)
	gs.mu.Unlock()

	done := make(chan []error, 1)
	go func() {
		var errs []error
		for i := len(funcs) - 1; i >= 0; i-- {
			f := funcs[i]
			start := time.Now()
			if err := f.fn(shutdownCtx); err != nil {
				gs.logger.Error("shutdown step failed", zap.String("step", f.name), zap.Error(err))
				errs = append(errs, fmt.Errorf("%s: %w", f.name, err))
				continue
			}
			gs.logger.Info("shutdown step completed", zap.String("step", f.name), zap.Duration("duration", time.Since(start)))
		}
		done <- errs
	}()

	select {
	case errs := <-done:
		if len(errs) > 0 {
			return fmt.Errorf("shutdown errors: %v", errs)
		}
		return nil
	case <-shutdownCtx.Done():
		return fmt.Errorf("shutdown timeout exceeded")
	}
}
