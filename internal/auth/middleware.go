package auth

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"seriesview/internal/errors"
	"seriesview/internal/logger"
)

// AuthMiddleware guards gin routes.
type AuthMiddleware struct {
	authManager *AuthManager
	skipPaths   map[string]bool
}

// NewAuthMiddleware builds a middleware that lets skipPaths through.
func NewAuthMiddleware(authManager *AuthManager, skipPaths []string) *AuthMiddleware {
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}
	return &AuthMiddleware{authManager: authManager, skipPaths: skip}
}

// AuthRequired rejects unauthenticated requests when auth is enabled.
func (am *AuthMiddleware) AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !am.authManager.Enabled() || am.skipPaths[c.Request.URL.Path] {
			c.Next()
			return
		}

		claims, err := am.authManager.Authenticate(c.GetHeader("Authorization"))
		if err != nil {
			errors.HandleError(c, err)
			c.Abort()
			return
		}

		c.Request = c.Request.WithContext(WithAuthContext(c.Request.Context(), claims))
		c.Next()
	}
}

// RequestIDMiddleware propagates or assigns X-Request-ID and puts it on the
// request context for logging. An incoming X-Trace-ID is logged as the
// trace id; without one the request id doubles as the trace.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := strings.TrimSpace(c.GetHeader("X-Request-ID"))
		if requestID == "" {
			requestID = uuid.New().String()
		}
		traceID := strings.TrimSpace(c.GetHeader("X-Trace-ID"))
		if traceID == "" {
			traceID = requestID
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Header("X-Trace-ID", traceID)

		ctx := logger.SetRequestID(c.Request.Context(), requestID)
		c.Request = c.Request.WithContext(logger.SetTraceID(ctx, traceID))
		c.Next()
	}
}
