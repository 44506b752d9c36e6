// Package subscription feeds live samples from brokers into the registry.
package subscription

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SubscriberType names a broker.
type SubscriberType string

const (
	SubscriberTypeRedis SubscriberType = "redis"
	SubscriberTypeKafka SubscriberType = "kafka"
)

// SubscriberStatus is a subscriber lifecycle state.
type SubscriberStatus string

const (
	StatusStopped  SubscriberStatus = "stopped"
	StatusStarting SubscriberStatus = "starting"
	StatusRunning  SubscriberStatus = "running"
	StatusStopping SubscriberStatus = "stopping"
	StatusError    SubscriberStatus = "error"
)

// Subscriber consumes sample batches from one broker.
type Subscriber interface {
	Type() SubscriberType
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status() SubscriberStatus
	Stats() *SubscriberStats
}

// SubscriberStats counts consumed messages.
type SubscriberStats struct {
	Type            SubscriberType   `json:"type"`
	Status          SubscriberStatus `json:"status"`
	ConsumedEvents  int64            `json:"consumed_events"`
	FailedEvents    int64            `json:"failed_events"`
	DuplicateEvents int64            `json:"duplicate_events"`
	LastConsumeTime int64            `json:"last_consume_time"`
	LastErrorTime   int64            `json:"last_error_time,omitempty"`
	LastError       string           `json:"last_error,omitempty"`
}

// BaseSubscriber carries the status and counters shared by subscribers.
type BaseSubscriber struct {
	subscriberType SubscriberType
	status         SubscriberStatus
	stats          SubscriberStats
	mu             sync.RWMutex
}

// NewBaseSubscriber returns a stopped subscriber of subType.
func NewBaseSubscriber(subType SubscriberType) *BaseSubscriber {
	return &BaseSubscriber{
		subscriberType: subType,
		status:         StatusStopped,
		stats: SubscriberStats{
			Type:   subType,
			Status: StatusStopped,
		},
	}
}

func (b *BaseSubscriber) Type() SubscriberType {
	return b.subscriberType
}

func (b *BaseSubscriber) Status() SubscriberStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

// SetStatus updates the lifecycle state.
func (b *BaseSubscriber) SetStatus(status SubscriberStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = status
	b.stats.Status = status
}

// Stats returns a copy of the counters.
func (b *BaseSubscriber) Stats() *SubscriberStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	stats := b.stats
	return &stats
}

// record folds one handled message into the counters.
func (b *BaseSubscriber) record(outcome Outcome, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().Unix()
	switch outcome {
	case OutcomeApplied:
		b.stats.ConsumedEvents++
		b.stats.LastConsumeTime = now
	case OutcomeDuplicate:
		b.stats.DuplicateEvents++
	default:
		b.stats.FailedEvents++
		if err != nil {
			b.stats.LastError = err.Error()
			b.stats.LastErrorTime = now
		}
	}
}

// ErrSubscriberAlreadyRunning is returned by Start on a running subscriber.
var ErrSubscriberAlreadyRunning = fmt.Errorf("subscriber is already running")

// ErrInvalidBatch marks a payload that cannot be decoded or validated.
var ErrInvalidBatch = fmt.Errorf("invalid sample batch")
