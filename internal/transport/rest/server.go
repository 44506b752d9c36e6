package rest

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"seriesview/internal/auth"
	"seriesview/internal/config"
	"seriesview/internal/errors"
	"seriesview/internal/logger"
	"seriesview/internal/metrics"
	"seriesview/internal/recovery"
	"seriesview/internal/registry"
	"seriesview/internal/security"
	"seriesview/internal/series"
	"seriesview/internal/source"
)

// Registry is the float64 registry served over HTTP.
type Registry = registry.Registry[float64, float64]

// Server is the REST API server.
type Server struct {
	registry *Registry
	auth     *auth.AuthManager
	health   *recovery.HealthChecker
	limiter  *security.RateLimiter
	cfg      *config.Config
	router   *gin.Engine
	server   *http.Server
}

// CreateSeriesRequest registers a series.
type CreateSeriesRequest struct {
	ID string `json:"id" binding:"required"`
}

// RangeRequest carries a visible range or a preload range.
type RangeRequest struct {
	Start *float64 `json:"start" binding:"required"`
	End   *float64 `json:"end" binding:"required"`
}

// AppendRequest carries samples pushed by a client.
type AppendRequest struct {
	Samples []source.Sample `json:"samples"`
}

// StatsResponse is a series' counters plus its current ranges.
type StatsResponse struct {
	series.Stats
	Window registry.Window[float64] `json:"window"`
}

// TokenRequest exchanges credentials for a JWT.
type TokenRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// SnapshotResponse is the body of a snapshot read.
type SnapshotResponse struct {
	Series  string          `json:"series"`
	Count   int             `json:"count"`
	Samples []source.Sample `json:"samples"`
}

// NewServer builds the router. authMgr and health may be nil.
func NewServer(reg *Registry, authMgr *auth.AuthManager, health *recovery.HealthChecker, cfg *config.Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	limiter := security.NewRateLimiter(cfg.Server.RateLimit)

	router := gin.New()
	router.Use(auth.RequestIDMiddleware())
	router.Use(errors.ErrorHandlerMiddleware())
	router.Use(requestLogger())
	router.Use(security.SecurityHeaders())
	if cfg.Server.CORS {
		router.Use(security.CORS())
	}
	router.Use(limiter.Middleware())

	server := &Server{
		registry: reg,
		auth:     authMgr,
		health:   health,
		limiter:  limiter,
		cfg:      cfg,
		router:   router,
	}

	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	if s.cfg.Metrics.Enabled {
		s.router.GET(s.cfg.Metrics.Path, gin.WrapH(metrics.Handler()))
	}

	v1 := s.router.Group("/v1")
	{
		v1.GET("/health", s.healthCheck)
		v1.POST("/auth/token", s.issueToken)

		seriesGroup := v1.Group("/series")
		if s.auth != nil {
			seriesGroup.Use(auth.NewAuthMiddleware(s.auth, nil).AuthRequired())
		}
		seriesGroup.GET("", s.listSeries)
		seriesGroup.POST("", s.createSeries)
		seriesGroup.DELETE("/:id", s.dropSeries)
		seriesGroup.PUT("/:id/range", s.updateRange)
		seriesGroup.POST("/:id/samples", s.appendSamples)
		seriesGroup.PUT("/:id/samples", s.replaceSamples)
		seriesGroup.POST("/:id/preload", s.preload)
		seriesGroup.GET("/:id/snapshot", s.snapshot)
		seriesGroup.GET("/:id/stats", s.stats)
	}
}

// requestLogger records every request in the HTTP metrics and the log.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m := metrics.NewHTTPMetrics(c.Request.Method, path)

		c.Next()

		status := c.Writer.Status()
		m.Finish(strconv.Itoa(status))
		fields := []zap.Field{zap.String("client_ip", c.ClientIP())}
		if claims, ok := auth.FromAuthContext(c.Request.Context()); ok {
			fields = append(fields, zap.String("user", claims.Username))
		}
		logger.LogHTTPRequest(c.Request.Context(), c.Request.Method, path, status, time.Since(start), fields...)
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	body := gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"source":    s.registry.SourceName(),
		"series":    s.registry.Len(),
	}
	code := http.StatusOK

	if s.registry.Closed() {
		body["status"] = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	if s.health != nil {
		results := s.health.CheckAll(c.Request.Context())
		body["checks"] = results
		if !recovery.Healthy(results) {
			body["status"] = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}

	c.JSON(code, body)
}

func (s *Server) issueToken(c *gin.Context) {
	if s.auth == nil {
		errors.HandleError(c, errors.ErrNotFound.WithDetails("authentication is not configured"))
		return
	}

	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errors.HandleError(c, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid token request"))
		return
	}

	token, err := s.auth.Login(req.Username, req.Password)
	if err != nil {
		errors.HandleError(c, err)
		return
	}
	errors.HandleSuccess(c, gin.H{"token": token, "token_type": "Bearer"})
}

func (s *Server) listSeries(c *gin.Context) {
	ids := s.registry.List()
	errors.HandleSuccess(c, gin.H{"series": ids, "total": len(ids)})
}

func (s *Server) createSeries(c *gin.Context) {
	var req CreateSeriesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errors.HandleError(c, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid create request"))
		return
	}

	if err := s.registry.CreateSeries(c.Request.Context(), req.ID); err != nil {
		errors.HandleError(c, err)
		return
	}
	errors.HandleCreated(c, gin.H{"id": req.ID})
}

func (s *Server) dropSeries(c *gin.Context) {
	id := c.Param("id")
	if err := s.registry.DropSeries(c.Request.Context(), id); err != nil {
		errors.HandleError(c, err)
		return
	}
	errors.HandleSuccessWithMessage(c, "series dropped", gin.H{"id": id})
}

func bindRange(c *gin.Context) (float64, float64, bool) {
	var req RangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errors.HandleError(c, errors.Wrap(err, errors.ErrCodeInvalidInput, "start and end are required"))
		return 0, 0, false
	}
	return *req.Start, *req.End, true
}

func (s *Server) updateRange(c *gin.Context) {
	start, end, ok := bindRange(c)
	if !ok {
		return
	}

	id := c.Param("id")
	ctx := logger.SetSeriesID(c.Request.Context(), id)
	if err := s.registry.UpdateVisibleRange(ctx, id, start, end); err != nil {
		errors.HandleError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"data":    gin.H{"id": id, "start": start, "end": end},
	})
}

func (s *Server) appendSamples(c *gin.Context) {
	var req AppendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errors.HandleError(c, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid samples payload"))
		return
	}

	id := c.Param("id")
	ctx := logger.SetSeriesID(c.Request.Context(), id)
	if err := s.registry.AppendSamples(ctx, id, req.Samples); err != nil {
		errors.HandleError(c, err)
		return
	}
	errors.HandleSuccess(c, gin.H{"id": id, "appended": len(req.Samples)})
}

// replaceSamples swaps the series contents wholesale; no eviction runs.
func (s *Server) replaceSamples(c *gin.Context) {
	var req AppendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errors.HandleError(c, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid samples payload"))
		return
	}

	id := c.Param("id")
	ctx := logger.SetSeriesID(c.Request.Context(), id)
	if err := s.registry.Replace(ctx, id, req.Samples); err != nil {
		errors.HandleError(c, err)
		return
	}
	errors.HandleSuccess(c, gin.H{"id": id, "samples": len(req.Samples)})
}

func (s *Server) preload(c *gin.Context) {
	start, end, ok := bindRange(c)
	if !ok {
		return
	}

	id := c.Param("id")
	ctx := logger.SetSeriesID(c.Request.Context(), id)
	if err := s.registry.Preload(ctx, id, start, end); err != nil {
		errors.HandleError(c, err)
		return
	}

	stats, err := s.registry.Stats(ctx, id)
	if err != nil {
		errors.HandleError(c, err)
		return
	}
	errors.HandleSuccess(c, stats)
}

func (s *Server) snapshot(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	startParam, hasStart := c.GetQuery("start")
	endParam, hasEnd := c.GetQuery("end")
	if hasStart != hasEnd {
		errors.HandleError(c, errors.ErrInvalidInput.WithDetails("start and end must be given together"))
		return
	}

	var (
		samples []source.Sample
		err     error
	)
	if hasStart {
		start, perr := strconv.ParseFloat(startParam, 64)
		if perr != nil {
			errors.HandleError(c, errors.Wrap(perr, errors.ErrCodeInvalidInput, "invalid start"))
			return
		}
		end, perr := strconv.ParseFloat(endParam, 64)
		if perr != nil {
			errors.HandleError(c, errors.Wrap(perr, errors.ErrCodeInvalidInput, "invalid end"))
			return
		}
		samples, err = s.registry.SnapshotRange(ctx, id, start, end)
	} else {
		samples, err = s.registry.Snapshot(ctx, id)
	}
	if err != nil {
		errors.HandleError(c, err)
		return
	}

	if sorted, _ := strconv.ParseBool(c.Query("sorted")); sorted {
		series.SortByTimestamp(samples)
	}
	if samples == nil {
		samples = []source.Sample{}
	}
	errors.HandleSuccess(c, SnapshotResponse{Series: id, Count: len(samples), Samples: samples})
}

func (s *Server) stats(c *gin.Context) {
	ctx, id := c.Request.Context(), c.Param("id")
	stats, err := s.registry.Stats(ctx, id)
	if err != nil {
		errors.HandleError(c, err)
		return
	}
	window, err := s.registry.Window(ctx, id)
	if err != nil {
		errors.HandleError(c, err)
		return
	}
	errors.HandleSuccess(c, StatsResponse{Stats: stats, Window: window})
}

// Start listens on addr and blocks until the server stops.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.LogInfo(context.Background(), "starting REST server", zap.String("addr", addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.limiter.Stop()
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
