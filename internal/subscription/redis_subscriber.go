package subscription

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"seriesview/internal/config"
	"seriesview/internal/logger"
	"seriesview/internal/recovery"
)

// RedisSubscriber pattern-subscribes to {prefix}* channels. The channel
// suffix names the series when a payload omits it.
type RedisSubscriber struct {
	*BaseSubscriber
	client        redis.UniversalClient
	channelPrefix string
	handler       *Handler

	pubsub *redis.PubSub
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewRedisSubscriber uses client; the caller owns its lifetime.
func NewRedisSubscriber(client redis.UniversalClient, cfg config.RedisSubscriptionConfig, handler *Handler) (*RedisSubscriber, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	return &RedisSubscriber{
		BaseSubscriber: NewBaseSubscriber(SubscriberTypeRedis),
		client:         client,
		channelPrefix:  cfg.ChannelPrefix,
		handler:        handler,
	}, nil
}

// Channel is the channel carrying live samples for series.
func (s *RedisSubscriber) Channel(series string) string {
	return s.channelPrefix + series
}

// Start subscribes and begins consuming in the background. It returns once
// the subscription is confirmed by the server.
func (s *RedisSubscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Status() == StatusRunning {
		return ErrSubscriberAlreadyRunning
	}
	s.SetStatus(StatusStarting)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	pubsub := s.client.PSubscribe(runCtx, s.channelPrefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		pubsub.Close()
		s.SetStatus(StatusError)
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	s.pubsub = pubsub
	s.cancel = cancel
	s.wg.Add(1)
	go s.consume(runCtx, pubsub.Channel())

	s.SetStatus(StatusRunning)
	logger.LogInfo(ctx, "redis subscriber started", zap.String("pattern", s.channelPrefix+"*"))
	return nil
}

func (s *RedisSubscriber) consume(ctx context.Context, ch <-chan *redis.Message) {
	defer s.wg.Done()
	defer recovery.NewRecoveryHandler("redis-subscriber", logger.GetLogger()).Recover()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			series := strings.TrimPrefix(msg.Channel, s.channelPrefix)
			outcome, err := s.handler.Handle(ctx, SubscriberTypeRedis, []byte(msg.Payload), series)
			s.record(outcome, err)
		}
	}
}

// Publish sends batch on its series channel.
func (s *RedisSubscriber) Publish(ctx context.Context, batch *SampleBatch) error {
	data, err := encodeBatch(batch)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, s.Channel(batch.Series), data).Err()
}

// Stop unsubscribes and waits for the consumer goroutine or ctx.
func (s *RedisSubscriber) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Status() != StatusRunning {
		return nil
	}
	s.SetStatus(StatusStopping)

	s.cancel()
	err := s.pubsub.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.LogWarn(ctx, "redis subscriber stop timeout")
	}

	s.SetStatus(StatusStopped)
	logger.LogInfo(ctx, "redis subscriber stopped")
	return err
}
