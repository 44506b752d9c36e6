package grpc

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"seriesview/internal/config"
	"seriesview/internal/errors"
	"seriesview/internal/logger"
	"seriesview/internal/registry"
	"seriesview/internal/series"
	"seriesview/internal/source"
)

func TestMain(m *testing.M) {
	_ = logger.InitLogger(logger.LogConfig{Level: "error", Format: "json", Output: "stdout"})
	os.Exit(m.Run())
}

func newRegistry(t *testing.T) *registry.Registry[float64, float64] {
	t.Helper()
	src, err := source.NewSynthetic(config.SyntheticConfig{Step: 1})
	require.NoError(t, err)

	reg, err := registry.New[float64, float64](context.Background(), series.Config{PreloadFactor: 0.2}, src)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close(context.Background()) })
	return reg
}

func startBufconn(t *testing.T, s *Server) healthpb.HealthClient {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	go func() { _ = s.Serve(context.Background(), lis) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return healthpb.NewHealthClient(conn)
}

func check(t *testing.T, client healthpb.HealthClient, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.Status, nil
}

func TestNewServer_RequiresRegistry(t *testing.T) {
	_, err := NewServer(context.Background(), nil, config.Default())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidConfiguration))
}

func TestHealth_OverallAndPerSeries(t *testing.T) {
	reg := newRegistry(t)
	require.NoError(t, reg.CreateSeries(context.Background(), "sensor_1"))

	s, err := NewServer(context.Background(), reg, config.Default())
	require.NoError(t, err)
	client := startBufconn(t, s)

	st, err := check(t, client, "")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, st)

	st, err = check(t, client, SeriesService("sensor_1"))
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, st)

	_, err = check(t, client, SeriesService("unknown"))
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestHealth_RefreshTracksRegistry(t *testing.T) {
	reg := newRegistry(t)
	require.NoError(t, reg.CreateSeries(context.Background(), "sensor_1"))

	s, err := NewServer(context.Background(), reg, config.Default())
	require.NoError(t, err)
	client := startBufconn(t, s)

	require.NoError(t, reg.CreateSeries(context.Background(), "sensor_2"))
	require.NoError(t, reg.DropSeries(context.Background(), "sensor_1"))
	s.Refresh()

	st, err := check(t, client, SeriesService("sensor_2"))
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, st)

	st, err = check(t, client, SeriesService("sensor_1"))
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, st)

	reg.Close(context.Background())
	s.Refresh()

	st, err = check(t, client, "")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, st)

	st, err = check(t, client, SeriesService("sensor_2"))
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, st)
}

func TestHealth_PeriodicRefresh(t *testing.T) {
	reg := newRegistry(t)

	s, err := NewServer(context.Background(), reg, config.Default())
	require.NoError(t, err)
	s.interval = 10 * time.Millisecond
	client := startBufconn(t, s)

	require.NoError(t, reg.CreateSeries(context.Background(), "late"))

	require.Eventually(t, func() bool {
		st, err := check(t, client, SeriesService("late"))
		return err == nil && st == healthpb.HealthCheckResponse_SERVING
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRecoveryInterceptor(t *testing.T) {
	interceptor := recoveryInterceptor()
	_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/test/Panic"},
		func(ctx context.Context, req interface{}) (interface{}, error) {
			panic("boom")
		})
	assert.Equal(t, codes.Internal, status.Code(err))
}

func TestLoggingInterceptor_MapsAppErrors(t *testing.T) {
	interceptor := loggingInterceptor()
	_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/test/Missing"},
		func(ctx context.Context, req interface{}) (interface{}, error) {
			return nil, errors.ErrSeriesNotFound.WithDetails("x")
		})
	assert.Equal(t, codes.NotFound, status.Code(err))
}
