package subscription

import (
	"context"
	stderrors "errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seriesview/internal/config"
	"seriesview/internal/errors"
	"seriesview/internal/logger"
	"seriesview/internal/source"
)

func TestMain(m *testing.M) {
	_ = logger.InitLogger(logger.LogConfig{Level: "error", Format: "json", Output: "stdout"})
	os.Exit(m.Run())
}

type recordingAppender struct {
	mu      sync.Mutex
	batches map[string][]source.Sample
	known   map[string]bool
}

func newRecordingAppender(series ...string) *recordingAppender {
	a := &recordingAppender{batches: make(map[string][]source.Sample), known: make(map[string]bool)}
	for _, s := range series {
		a.known[s] = true
	}
	return a
}

func (a *recordingAppender) AppendSamples(ctx context.Context, id string, batch []source.Sample) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.known[id] {
		return errors.ErrSeriesNotFound.WithDetails(id)
	}
	a.batches[id] = append(a.batches[id], batch...)
	return nil
}

func (a *recordingAppender) count(id string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.batches[id])
}

var dedupOn = config.DedupConfig{Enabled: true, ExpectedBatches: 1000, FalsePositiveRate: 0.001}

func TestDecodeBatch(t *testing.T) {
	b, err := DecodeBatch([]byte(`{"series":"a","batch_id":"x","samples":[{"t":1,"v":2}]}`), "fallback")
	require.NoError(t, err)
	assert.Equal(t, "a", b.Series)
	assert.Equal(t, "x", b.BatchID)
	assert.Equal(t, []source.Sample{{Timestamp: 1, Value: 2}}, b.Samples)

	b, err = DecodeBatch([]byte(`{"samples":[]}`), "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", b.Series)

	_, err = DecodeBatch([]byte(`{"samples":[]}`), "")
	assert.ErrorIs(t, err, ErrInvalidBatch)

	_, err = DecodeBatch([]byte(`not json`), "a")
	assert.ErrorIs(t, err, ErrInvalidBatch)
}

func TestNewSampleBatch(t *testing.T) {
	a := NewSampleBatch("s", nil)
	b := NewSampleBatch("s", nil)
	assert.NotEmpty(t, a.BatchID)
	assert.NotEqual(t, a.BatchID, b.BatchID)

	data, err := a.ToJSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"batch_id":"`+a.BatchID+`"`)
}

func TestHandler(t *testing.T) {
	ctx := context.Background()
	app := newRecordingAppender("a")
	h := NewHandler(app, dedupOn)
	require.True(t, h.DedupEnabled())

	payload := []byte(`{"series":"a","batch_id":"b1","samples":[{"t":1,"v":1},{"t":2,"v":2}]}`)

	outcome, err := h.Handle(ctx, SubscriberTypeRedis, payload, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	outcome, err = h.Handle(ctx, SubscriberTypeRedis, payload, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	assert.Equal(t, 2, app.count("a"))

	// batches without an id are never deduplicated
	noID := []byte(`{"series":"a","samples":[{"t":3,"v":3}]}`)
	for i := 0; i < 2; i++ {
		outcome, err = h.Handle(ctx, SubscriberTypeKafka, noID, "")
		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, outcome)
	}
	assert.Equal(t, 4, app.count("a"))

	outcome, err = h.Handle(ctx, SubscriberTypeKafka, []byte(`{`), "")
	assert.Equal(t, OutcomeMalformed, outcome)
	assert.ErrorIs(t, err, ErrInvalidBatch)
}

func TestHandler_RejectedBatchCanBeRedelivered(t *testing.T) {
	ctx := context.Background()
	app := newRecordingAppender()
	h := NewHandler(app, dedupOn)

	payload := []byte(`{"series":"late","batch_id":"b1","samples":[{"t":1,"v":1}]}`)
	outcome, err := h.Handle(ctx, SubscriberTypeRedis, payload, "")
	assert.Equal(t, OutcomeRejected, outcome)
	assert.ErrorIs(t, err, errors.ErrSeriesNotFound)

	app.mu.Lock()
	app.known["late"] = true
	app.mu.Unlock()

	outcome, err = h.Handle(ctx, SubscriberTypeRedis, payload, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
}

// gatedAppender blocks its first call until gate is closed.
type gatedAppender struct {
	mu        sync.Mutex
	calls     int
	gate      chan struct{}
	failFirst bool
}

func (a *gatedAppender) AppendSamples(ctx context.Context, id string, batch []source.Sample) error {
	a.mu.Lock()
	a.calls++
	n := a.calls
	a.mu.Unlock()

	if n == 1 {
		<-a.gate
		if a.failFirst {
			return stderrors.New("registry busy")
		}
	}
	return nil
}

func (a *gatedAppender) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func TestHandler_ConcurrentRedelivery(t *testing.T) {
	payload := []byte(`{"series":"s","batch_id":"b-1","samples":[{"t":1,"v":1}]}`)

	for _, tc := range []struct {
		name      string
		failFirst bool
		want      []Outcome
		calls     int
	}{
		{"first applies", false, []Outcome{OutcomeApplied, OutcomeDuplicate}, 1},
		{"first fails", true, []Outcome{OutcomeRejected, OutcomeApplied}, 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			appender := &gatedAppender{gate: make(chan struct{}), failFirst: tc.failFirst}
			h := NewHandler(appender, dedupOn)

			first := make(chan Outcome, 1)
			go func() {
				outcome, _ := h.Handle(context.Background(), SubscriberTypeRedis, payload, "")
				first <- outcome
			}()
			require.Eventually(t, func() bool { return appender.callCount() == 1 }, time.Second, time.Millisecond)

			second := make(chan Outcome, 1)
			go func() {
				outcome, _ := h.Handle(context.Background(), SubscriberTypeKafka, payload, "")
				second <- outcome
			}()
			assert.Never(t, func() bool { return appender.callCount() > 1 || len(second) > 0 },
				50*time.Millisecond, 5*time.Millisecond)

			close(appender.gate)
			assert.Equal(t, tc.want, []Outcome{<-first, <-second})
			assert.Equal(t, tc.calls, appender.callCount())
		})
	}
}

func TestHandler_WaitRespectsContext(t *testing.T) {
	appender := &gatedAppender{gate: make(chan struct{})}
	h := NewHandler(appender, dedupOn)
	payload := []byte(`{"series":"s","batch_id":"b-2","samples":[]}`)

	go h.Handle(context.Background(), SubscriberTypeRedis, payload, "")
	require.Eventually(t, func() bool { return appender.callCount() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	outcome, err := h.Handle(ctx, SubscriberTypeKafka, payload, "")
	assert.Equal(t, OutcomeRejected, outcome)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(appender.gate)
}

func TestHandler_DedupDisabled(t *testing.T) {
	ctx := context.Background()
	app := newRecordingAppender("a")
	h := NewHandler(app, config.DedupConfig{Enabled: false})
	assert.False(t, h.DedupEnabled())

	payload := []byte(`{"series":"a","batch_id":"b1","samples":[{"t":1,"v":1}]}`)
	for i := 0; i < 3; i++ {
		outcome, err := h.Handle(ctx, SubscriberTypeRedis, payload, "")
		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, outcome)
	}
	assert.Equal(t, 3, app.count("a"))
}

func TestRedisSubscriber(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	app := newRecordingAppender("sensor_1")
	sub, err := NewRedisSubscriber(client, config.RedisSubscriptionConfig{ChannelPrefix: "series:ingest:"}, NewHandler(app, dedupOn))
	require.NoError(t, err)
	assert.Equal(t, SubscriberTypeRedis, sub.Type())
	assert.Equal(t, "series:ingest:sensor_1", sub.Channel("sensor_1"))

	require.NoError(t, sub.Start(ctx))
	assert.ErrorIs(t, sub.Start(ctx), ErrSubscriberAlreadyRunning)
	assert.Equal(t, StatusRunning, sub.Status())

	batch := NewSampleBatch("sensor_1", []source.Sample{{Timestamp: 1, Value: 1}, {Timestamp: 2, Value: 4}})
	require.NoError(t, sub.Publish(ctx, batch))
	require.NoError(t, sub.Publish(ctx, batch))

	// series taken from the channel name
	mr.Publish("series:ingest:sensor_1", `{"samples":[{"t":3,"v":9}]}`)
	mr.Publish("series:ingest:sensor_1", `garbage`)

	require.Eventually(t, func() bool {
		st := sub.Stats()
		return st.ConsumedEvents == 2 && st.DuplicateEvents == 1 && st.FailedEvents == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, app.count("sensor_1"))
	assert.NotEmpty(t, sub.Stats().LastError)

	require.NoError(t, sub.Stop(ctx))
	assert.Equal(t, StatusStopped, sub.Status())
	require.NoError(t, sub.Stop(ctx))
}

func TestNewRedisSubscriber_Validation(t *testing.T) {
	_, err := NewRedisSubscriber(nil, config.RedisSubscriptionConfig{}, NewHandler(newRecordingAppender(), dedupOn))
	assert.Error(t, err)

	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer client.Close()
	_, err = NewRedisSubscriber(client, config.RedisSubscriptionConfig{}, nil)
	assert.Error(t, err)
}

// fakeReader replays queued messages, then blocks until ctx is done.
type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
	fetchErr  error
	closed    bool
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if f.fetchErr != nil {
		err := f.fetchErr
		f.fetchErr = nil
		f.mu.Unlock()
		return kafka.Message{}, err
	}
	if len(f.queue) > 0 {
		msg := f.queue[0]
		f.queue = f.queue[1:]
		f.mu.Unlock()
		return msg, nil
	}
	f.mu.Unlock()

	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeReader) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeReader) commits() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.committed...)
}

func TestKafkaSubscriber(t *testing.T) {
	ctx := context.Background()
	app := newRecordingAppender("a")

	cfg := config.KafkaSubscriptionConfig{Brokers: []string{"localhost:9092"}, Topic: "series-samples", GroupID: "g"}
	sub, err := NewKafkaSubscriber(cfg, NewHandler(app, dedupOn))
	require.NoError(t, err)

	reader := &fakeReader{
		fetchErr: stderrors.New("broker unavailable"),
		queue: []kafka.Message{
			{Offset: 1, Value: []byte(`{"series":"a","batch_id":"k1","samples":[{"t":1,"v":1}]}`)},
			{Offset: 2, Value: []byte(`{"series":"a","batch_id":"k1","samples":[{"t":1,"v":1}]}`)},
			{Offset: 3, Key: []byte("a"), Value: []byte(`{"samples":[{"t":2,"v":2}]}`)},
			{Offset: 4, Value: []byte(`{"series":"unknown","samples":[{"t":2,"v":2}]}`)},
		},
	}
	sub.newReader = func() MessageReader { return reader }
	sub.retryDelay = time.Millisecond

	require.NoError(t, sub.Start(ctx))
	assert.Equal(t, SubscriberTypeKafka, sub.Type())

	require.Eventually(t, func() bool { return len(reader.commits()) == 4 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{1, 2, 3, 4}, reader.commits())

	st := sub.Stats()
	assert.Equal(t, int64(2), st.ConsumedEvents)
	assert.Equal(t, int64(1), st.DuplicateEvents)
	assert.Equal(t, int64(1), st.FailedEvents)
	assert.Equal(t, 2, app.count("a"))

	require.NoError(t, sub.Stop(ctx))
	assert.True(t, reader.closed)
	assert.Equal(t, StatusStopped, sub.Status())
}

func TestNewKafkaSubscriber_Validation(t *testing.T) {
	h := NewHandler(newRecordingAppender(), dedupOn)

	_, err := NewKafkaSubscriber(config.KafkaSubscriptionConfig{Topic: "t"}, h)
	assert.Error(t, err)
	_, err = NewKafkaSubscriber(config.KafkaSubscriptionConfig{Brokers: []string{"b"}}, h)
	assert.Error(t, err)
	_, err = NewKafkaSubscriber(config.KafkaSubscriptionConfig{Brokers: []string{"b"}, Topic: "t"}, nil)
	assert.Error(t, err)
}

type stubSubscriber struct {
	*BaseSubscriber
	startErr error
	stopped  bool
}

func (s *stubSubscriber) Start(ctx context.Context) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.SetStatus(StatusRunning)
	return nil
}

func (s *stubSubscriber) Stop(ctx context.Context) error {
	s.stopped = true
	s.SetStatus(StatusStopped)
	return nil
}

func TestManager(t *testing.T) {
	ctx := context.Background()
	m := NewManager()

	redisSub := &stubSubscriber{BaseSubscriber: NewBaseSubscriber(SubscriberTypeRedis)}
	require.NoError(t, m.RegisterSubscriber(redisSub))
	assert.Error(t, m.RegisterSubscriber(&stubSubscriber{BaseSubscriber: NewBaseSubscriber(SubscriberTypeRedis)}))
	assert.Equal(t, 1, m.SubscriberCount())

	assert.Error(t, m.HealthCheck(ctx))

	require.NoError(t, m.Start(ctx))
	assert.True(t, m.IsRunning())
	assert.NoError(t, m.HealthCheck(ctx))
	assert.Error(t, m.Start(ctx))

	stats := m.Stats()
	require.Contains(t, stats, SubscriberTypeRedis)
	assert.Equal(t, StatusRunning, stats[SubscriberTypeRedis].Status)

	require.NoError(t, m.Stop(ctx))
	assert.False(t, m.IsRunning())
	assert.True(t, redisSub.stopped)
}

func TestManager_StartFailureStopsStarted(t *testing.T) {
	ctx := context.Background()
	m := NewManager()

	ok := &stubSubscriber{BaseSubscriber: NewBaseSubscriber(SubscriberTypeRedis)}
	bad := &stubSubscriber{BaseSubscriber: NewBaseSubscriber(SubscriberTypeKafka), startErr: stderrors.New("no brokers")}
	require.NoError(t, m.RegisterSubscriber(ok))
	require.NoError(t, m.RegisterSubscriber(bad))

	err := m.Start(ctx)
	require.Error(t, err)
	assert.False(t, m.IsRunning())
	assert.Equal(t, StatusStopped, ok.Status())
}

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	closed bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestKafkaPublisher(t *testing.T) {
	w := &fakeWriter{}
	pub := NewKafkaPublisherWithWriter(w)

	batch := NewSampleBatch("sensor_1", []source.Sample{{Timestamp: 1, Value: 2}})
	require.NoError(t, pub.Publish(context.Background(), batch))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "sensor_1", string(msg.Key))
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, batch.BatchID, string(msg.Headers[0].Value))

	decoded, err := DecodeBatch(msg.Value, "")
	require.NoError(t, err)
	assert.Equal(t, batch.Samples, decoded.Samples)

	err = pub.Publish(context.Background(), &SampleBatch{})
	require.Error(t, err)
	assert.Len(t, w.msgs, 1)

	require.NoError(t, pub.Close())
	assert.True(t, w.closed)

	_, err = NewKafkaPublisher(nil, "topic")
	assert.Error(t, err)
}

func TestRedisPublisher_FeedsSubscriber(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	appender := newRecordingAppender("sensor_9")
	handler := NewHandler(appender, dedupOn)
	sub, err := NewRedisSubscriber(client, config.RedisSubscriptionConfig{Enabled: true, ChannelPrefix: "series:ingest:"}, handler)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sub.Start(ctx))
	t.Cleanup(func() { _ = sub.Stop(ctx) })

	pub, err := NewRedisPublisher(client, "series:ingest:")
	require.NoError(t, err)
	require.NoError(t, pub.Publish(ctx, NewSampleBatch("sensor_9", []source.Sample{{Timestamp: 5, Value: 1}})))

	require.Eventually(t, func() bool {
		return appender.count("sensor_9") == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err = NewRedisPublisher(nil, "x")
	assert.Error(t, err)
}
