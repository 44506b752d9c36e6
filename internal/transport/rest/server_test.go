package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"seriesview/internal/auth"
	"seriesview/internal/config"
	"seriesview/internal/logger"
	"seriesview/internal/recovery"
	"seriesview/internal/registry"
	"seriesview/internal/series"
	"seriesview/internal/source"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	_ = logger.InitLogger(logger.LogConfig{Level: "error", Format: "json", Output: "stdout"})
	os.Exit(m.Run())
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Details string `json:"details"`
	} `json:"error"`
}

func setupTestServer(t *testing.T, authMgr *auth.AuthManager, health *recovery.HealthChecker) (*Server, *Registry) {
	t.Helper()

	src, err := source.NewSynthetic(config.SyntheticConfig{Step: 1})
	require.NoError(t, err)

	reg, err := registry.New[float64, float64](context.Background(), series.Config{PreloadFactor: 0.2}, src)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close(context.Background()) })

	return NewServer(reg, authMgr, health, config.Default()), reg
}

func doRequest(t *testing.T, s *Server, method, path string, body interface{}, headers ...string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &env)
	}
	return w, env
}

func TestCreateAndListSeries(t *testing.T) {
	s, _ := setupTestServer(t, nil, nil)

	w, env := doRequest(t, s, http.MethodPost, "/v1/series", CreateSeriesRequest{ID: "sensor_1"})
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.True(t, env.Success)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w, env = doRequest(t, s, http.MethodPost, "/v1/series", CreateSeriesRequest{ID: "sensor_1"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.False(t, env.Success)
	assert.Equal(t, "SERIES_EXISTS", env.Error.Code)

	w, env = doRequest(t, s, http.MethodPost, "/v1/series", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_INPUT", env.Error.Code)

	w, env = doRequest(t, s, http.MethodGet, "/v1/series", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var list struct {
		Series []string `json:"series"`
		Total  int      `json:"total"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Equal(t, []string{"sensor_1"}, list.Series)
	assert.Equal(t, 1, list.Total)
}

func TestUpdateRange_RefillsFromSource(t *testing.T) {
	s, reg := setupTestServer(t, nil, nil)
	require.NoError(t, reg.CreateSeries(context.Background(), "sensor_1"))

	w, _ := doRequest(t, s, http.MethodPut, "/v1/series/sensor_1/range", map[string]float64{"start": 0, "end": 100})
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Eventually(t, func() bool {
		stats, err := reg.Stats(context.Background(), "sensor_1")
		return err == nil && stats.Size == 141
	}, 2*time.Second, 10*time.Millisecond)

	w, env := doRequest(t, s, http.MethodGet, "/v1/series/sensor_1/snapshot?start=0&end=9&sorted=true", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var snap SnapshotResponse
	require.NoError(t, json.Unmarshal(env.Data, &snap))
	assert.Equal(t, "sensor_1", snap.Series)
	require.Equal(t, 10, snap.Count)
	for i, smp := range snap.Samples {
		assert.Equal(t, float64(i), smp.Timestamp)
	}
}

func TestUpdateRange_Errors(t *testing.T) {
	s, reg := setupTestServer(t, nil, nil)
	require.NoError(t, reg.CreateSeries(context.Background(), "sensor_1"))

	w, env := doRequest(t, s, http.MethodPut, "/v1/series/sensor_1/range", map[string]float64{"start": 10, "end": 0})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_RANGE", env.Error.Code)

	w, env = doRequest(t, s, http.MethodPut, "/v1/series/sensor_1/range", map[string]float64{"start": 10})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_INPUT", env.Error.Code)

	w, env = doRequest(t, s, http.MethodPut, "/v1/series/missing/range", map[string]float64{"start": 0, "end": 1})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "SERIES_NOT_FOUND", env.Error.Code)
}

func TestAppendSamplesAndStats(t *testing.T) {
	s, reg := setupTestServer(t, nil, nil)
	require.NoError(t, reg.CreateSeries(context.Background(), "sensor_1"))

	body := AppendRequest{Samples: []source.Sample{
		{Timestamp: 3, Value: 0.3},
		{Timestamp: 1, Value: 0.1},
		{Timestamp: 2, Value: 0.2},
	}}
	w, _ := doRequest(t, s, http.MethodPost, "/v1/series/sensor_1/samples", body)
	require.Equal(t, http.StatusOK, w.Code)

	w, env := doRequest(t, s, http.MethodGet, "/v1/series/sensor_1/snapshot?sorted=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snap SnapshotResponse
	require.NoError(t, json.Unmarshal(env.Data, &snap))
	require.Len(t, snap.Samples, 3)
	assert.Equal(t, 1.0, snap.Samples[0].Timestamp)
	assert.Equal(t, 3.0, snap.Samples[2].Timestamp)

	w, env = doRequest(t, s, http.MethodGet, "/v1/series/sensor_1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats series.Stats
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.Equal(t, 3, stats.Size)
	assert.Equal(t, int64(3), stats.Ingested)
	assert.Equal(t, "sensor_1", stats.Name)
}

func TestReplaceSamplesAndWindow(t *testing.T) {
	s, reg := setupTestServer(t, nil, nil)
	require.NoError(t, reg.CreateSeries(context.Background(), "sensor_1"))

	w, _ := doRequest(t, s, http.MethodPut, "/v1/series/sensor_1/range", map[string]float64{"start": 0, "end": 10})
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Eventually(t, func() bool {
		st, _ := reg.Stats(context.Background(), "sensor_1")
		return st.Refills == 1
	}, 2*time.Second, 5*time.Millisecond)

	body := AppendRequest{Samples: []source.Sample{{Timestamp: -100, Value: 1}}}
	w, _ = doRequest(t, s, http.MethodPut, "/v1/series/sensor_1/samples", body)
	require.Equal(t, http.StatusOK, w.Code)

	w, env := doRequest(t, s, http.MethodGet, "/v1/series/sensor_1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp StatsResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	assert.Equal(t, 1, resp.Size)
	assert.Equal(t, 10.0, resp.Window.VisibleEnd)
	assert.Equal(t, -2.0, resp.Window.PreloadStart)
	assert.Equal(t, 12.0, resp.Window.PreloadEnd)
	assert.Equal(t, -2.0, resp.Window.RetentionBoundary)

	w, env = doRequest(t, s, http.MethodPut, "/v1/series/missing/samples", body)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "SERIES_NOT_FOUND", env.Error.Code)
}

func TestSnapshot_QueryValidation(t *testing.T) {
	s, reg := setupTestServer(t, nil, nil)
	require.NoError(t, reg.CreateSeries(context.Background(), "sensor_1"))

	w, env := doRequest(t, s, http.MethodGet, "/v1/series/sensor_1/snapshot?start=1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_INPUT", env.Error.Code)

	w, env = doRequest(t, s, http.MethodGet, "/v1/series/sensor_1/snapshot?start=a&end=2", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_INPUT", env.Error.Code)

	w, env = doRequest(t, s, http.MethodGet, "/v1/series/sensor_1/snapshot?start=5&end=2", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_RANGE", env.Error.Code)

	w, env = doRequest(t, s, http.MethodGet, "/v1/series/sensor_1/snapshot", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snap SnapshotResponse
	require.NoError(t, json.Unmarshal(env.Data, &snap))
	assert.Equal(t, 0, snap.Count)
	assert.NotNil(t, snap.Samples)
}

func TestPreload(t *testing.T) {
	s, _ := setupTestServer(t, nil, nil)
	doRequest(t, s, http.MethodPost, "/v1/series", CreateSeriesRequest{ID: "sensor_1"})

	w, env := doRequest(t, s, http.MethodPost, "/v1/series/sensor_1/preload", map[string]float64{"start": 0, "end": 10})
	require.Equal(t, http.StatusOK, w.Code)

	var stats series.Stats
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.Equal(t, 11, stats.Size)
	assert.Equal(t, int64(0), stats.Refills)
}

func TestPreload_RangeTooWide(t *testing.T) {
	s, _ := setupTestServer(t, nil, nil)
	doRequest(t, s, http.MethodPost, "/v1/series", CreateSeriesRequest{ID: "sensor_1"})

	w, env := doRequest(t, s, http.MethodPost, "/v1/series/sensor_1/preload", map[string]float64{"start": 0, "end": 1e10})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_RANGE", env.Error.Code)

	w, _ = doRequest(t, s, http.MethodGet, "/v1/series/sensor_1/stats", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDropSeries(t *testing.T) {
	s, reg := setupTestServer(t, nil, nil)
	require.NoError(t, reg.CreateSeries(context.Background(), "sensor_1"))

	w, env := doRequest(t, s, http.MethodDelete, "/v1/series/sensor_1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "series dropped", env.Message)
	assert.NotContains(t, reg.List(), "sensor_1")

	w, env = doRequest(t, s, http.MethodDelete, "/v1/series/sensor_1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "SERIES_NOT_FOUND", env.Error.Code)
}

func TestHealth(t *testing.T) {
	hc := recovery.NewHealthChecker(time.Second, 100*time.Millisecond, zap.NewNop())
	hc.AddCheck(recovery.NewServiceHealthCheck("redis", func(ctx context.Context) error { return nil }))
	s, reg := setupTestServer(t, nil, hc)

	w, _ := doRequest(t, s, http.MethodGet, "/v1/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "synthetic", body["source"])

	hc.AddCheck(recovery.NewServiceHealthCheck("archive", func(ctx context.Context) error {
		return errors.New("bucket missing")
	}))
	w, _ = doRequest(t, s, http.MethodGet, "/v1/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	hc.RemoveCheck("archive")
	reg.Close(context.Background())
	w, _ = doRequest(t, s, http.MethodGet, "/v1/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := setupTestServer(t, nil, nil)
	doRequest(t, s, http.MethodGet, "/v1/series", nil)

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "seriesview_http_requests_total")
}

func TestAuth(t *testing.T) {
	hash, err := auth.HashPassword("s3cret")
	require.NoError(t, err)

	authMgr, err := auth.NewAuthManager(auth.AuthConfig{
		Enabled:     true,
		JWTSecret:   "test-secret-that-is-long-enough-123",
		TokenExpiry: time.Hour,
		Users:       map[string]string{"alice": hash},
	})
	require.NoError(t, err)
	s, _ := setupTestServer(t, authMgr, nil)

	w, env := doRequest(t, s, http.MethodGet, "/v1/series", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "UNAUTHORIZED", env.Error.Code)

	w, _ = doRequest(t, s, http.MethodGet, "/v1/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = doRequest(t, s, http.MethodPost, "/v1/auth/token", TokenRequest{Username: "alice", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, env = doRequest(t, s, http.MethodPost, "/v1/auth/token", TokenRequest{Username: "alice", Password: "s3cret"})
	require.Equal(t, http.StatusOK, w.Code)
	var tok struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &tok))
	require.NotEmpty(t, tok.Token)

	w, _ = doRequest(t, s, http.MethodGet, "/v1/series", nil, "Authorization", "Bearer "+tok.Token)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = doRequest(t, s, http.MethodGet, "/v1/series", nil, "Authorization", "Bearer not-a-token")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRateLimit(t *testing.T) {
	src, err := source.NewSynthetic(config.SyntheticConfig{Step: 1})
	require.NoError(t, err)
	reg, err := registry.New[float64, float64](context.Background(), series.Config{PreloadFactor: 0.2}, src)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close(context.Background()) })

	cfg := config.Default()
	cfg.Server.RateLimit.Enabled = true
	cfg.Server.RateLimit.Tiers = []config.RateLimitTier{
		{Name: "read", RequestsPerSec: 0.001, BurstSize: 2, Window: time.Minute, BackoffDuration: time.Minute},
	}
	cfg.Server.RateLimit.PathLimits = nil
	s := NewServer(reg, nil, nil, cfg)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	var last *httptest.ResponseRecorder
	var env envelope
	for i := 0; i < 3; i++ {
		last, env = doRequest(t, s, http.MethodGet, "/v1/series", nil)
	}
	assert.Equal(t, http.StatusTooManyRequests, last.Code)
	assert.Equal(t, "RATE_LIMITED", env.Error.Code)
	assert.NotEmpty(t, last.Header().Get("Retry-After"))
	assert.Equal(t, "nosniff", last.Header().Get("X-Content-Type-Options"))
}

func TestIssueToken_NotConfigured(t *testing.T) {
	s, _ := setupTestServer(t, nil, nil)
	w, env := doRequest(t, s, http.MethodPost, "/v1/auth/token", TokenRequest{Username: "a", Password: "b"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)
}
