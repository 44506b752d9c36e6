package subscription

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"seriesview/internal/logger"
)

// Manager starts and stops every configured subscriber together.
type Manager struct {
	subscribers map[SubscriberType]Subscriber
	mu          sync.RWMutex
	running     bool
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{
		subscribers: make(map[SubscriberType]Subscriber),
	}
}

// RegisterSubscriber adds subscriber; one per broker type.
func (m *Manager) RegisterSubscriber(subscriber Subscriber) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	subType := subscriber.Type()
	if _, exists := m.subscribers[subType]; exists {
		return fmt.Errorf("subscriber type %s already registered", subType)
	}
	m.subscribers[subType] = subscriber
	return nil
}

// Start starts every subscriber. On failure the ones already started are
// stopped again.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("manager is already running")
	}

	var started []Subscriber
	for subType, subscriber := range m.subscribers {
		if err := subscriber.Start(ctx); err != nil {
			for _, s := range started {
				_ = s.Stop(ctx)
			}
			return fmt.Errorf("failed to start %s subscriber: %w", subType, err)
		}
		started = append(started, subscriber)
	}

	m.running = true
	logger.LogInfo(ctx, "subscription manager started", zap.Int("subscriber_count", len(m.subscribers)))
	return nil
}

// Stop stops every subscriber, collecting errors.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}
	m.running = false

	var errs []error
	for subType, subscriber := range m.subscribers {
		if err := subscriber.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop %s subscriber: %w", subType, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to stop some subscribers: %v", errs)
	}
	logger.LogInfo(ctx, "subscription manager stopped")
	return nil
}

// Stats reports every subscriber's counters.
func (m *Manager) Stats() map[SubscriberType]*SubscriberStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[SubscriberType]*SubscriberStats, len(m.subscribers))
	for subType, subscriber := range m.subscribers {
		stats[subType] = subscriber.Stats()
	}
	return stats
}

// IsRunning reports whether Start succeeded and Stop has not run.
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// SubscriberCount is the number of registered subscribers.
func (m *Manager) SubscriberCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribers)
}

// HealthCheck fails when any registered subscriber is not running.
func (m *Manager) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for subType, subscriber := range m.subscribers {
		if status := subscriber.Status(); status != StatusRunning {
			return fmt.Errorf("%s subscriber is %s", subType, status)
		}
	}
	return nil
}
