package subscription

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"seriesview/internal/config"
	"seriesview/internal/logger"
	"seriesview/internal/recovery"
)

// MessageReader is the part of *kafka.Reader the consumer loop uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSubscriber consumes one topic as part of a consumer group. Offsets
// are committed after each message is handled, including rejected and
// malformed ones, so a poison message cannot stall the partition.
type KafkaSubscriber struct {
	*BaseSubscriber
	cfg     config.KafkaSubscriptionConfig
	handler *Handler

	newReader  func() MessageReader
	reader     MessageReader
	retryDelay time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewKafkaSubscriber validates cfg. The reader is created on Start.
func NewKafkaSubscriber(cfg config.KafkaSubscriptionConfig, handler *Handler) (*KafkaSubscriber, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}

	s := &KafkaSubscriber{
		BaseSubscriber: NewBaseSubscriber(SubscriberTypeKafka),
		cfg:            cfg,
		handler:        handler,
		retryDelay:     time.Second,
	}
	s.newReader = s.createReader
	return s, nil
}

func (s *KafkaSubscriber) createReader() MessageReader {
	readerConfig := kafka.ReaderConfig{
		Brokers:        s.cfg.Brokers,
		GroupID:        s.cfg.GroupID,
		Topic:          s.cfg.Topic,
		MinBytes:       s.cfg.MinBytes,
		MaxBytes:       s.cfg.MaxBytes,
		MaxWait:        s.cfg.MaxWait,
		CommitInterval: s.cfg.CommitInterval,
		StartOffset:    kafka.LastOffset,
		Dialer: &kafka.Dialer{
			Timeout:   10 * time.Second,
			DualStack: true,
		},
	}
	if readerConfig.MinBytes <= 0 {
		readerConfig.MinBytes = 1
	}
	if readerConfig.MaxBytes <= 0 {
		readerConfig.MaxBytes = 10e6
	}
	return kafka.NewReader(readerConfig)
}

// Start opens the reader and consumes in the background.
func (s *KafkaSubscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Status() == StatusRunning {
		return ErrSubscriberAlreadyRunning
	}
	s.SetStatus(StatusStarting)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.reader = s.newReader()
	s.cancel = cancel

	s.wg.Add(1)
	go s.consumeLoop(runCtx)

	s.SetStatus(StatusRunning)
	logger.LogInfo(ctx, "kafka subscriber started",
		zap.Strings("brokers", s.cfg.Brokers),
		zap.String("topic", s.cfg.Topic),
		zap.String("group_id", s.cfg.GroupID))
	return nil
}

func (s *KafkaSubscriber) consumeLoop(ctx context.Context) {
	defer s.wg.Done()
	defer recovery.NewRecoveryHandler("kafka-subscriber", logger.GetLogger()).Recover()

	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.LogError(ctx, err, "failed to fetch kafka message", zap.String("topic", s.cfg.Topic))
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.retryDelay):
			}
			continue
		}

		outcome, err := s.handler.Handle(ctx, SubscriberTypeKafka, msg.Value, string(msg.Key))
		s.record(outcome, err)

		if err := s.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			logger.LogWarn(ctx, "failed to commit kafka offset",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
		}
	}
}

// Stop closes the reader and waits for the loop or ctx.
func (s *KafkaSubscriber) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Status() != StatusRunning {
		return nil
	}
	s.SetStatus(StatusStopping)

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.LogWarn(ctx, "kafka subscriber stop timeout")
	}

	err := s.reader.Close()
	s.SetStatus(StatusStopped)
	logger.LogInfo(ctx, "kafka subscriber stopped")
	return err
}
