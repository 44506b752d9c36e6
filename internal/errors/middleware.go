package errors

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"seriesview/internal/logger"
)

// ErrorHandlerMiddleware turns handler panics into INTERNAL_ERROR responses.
func ErrorHandlerMiddleware() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		var err error

		switch x := recovered.(type) {
		case string:
			err = Newf(ErrCodeInternal, "panic: %s", x)
		case error:
			err = Wrap(x, ErrCodeInternal, "panic")
		default:
			err = New(ErrCodeInternal, "unknown panic")
		}

		HandleError(c, err)
		c.Abort()
	})
}

// HandleError writes err as a JSON error body.
func HandleError(c *gin.Context, err error) {
	if err == nil {
		return
	}

	appErr := GetAppError(err)
	if appErr == nil {
		appErr = Wrap(err, ErrCodeInternal, "Internal server error")
	}

	ctx := c.Request.Context()
	if appErr.HTTPStatus >= http.StatusInternalServerError {
		logger.LogError(ctx, err, "api error", zap.String("code", string(appErr.Code)), zap.String("path", c.FullPath()))
	} else {
		logger.LogDebug(ctx, "api error", zap.String("code", string(appErr.Code)), zap.Error(err))
	}

	status, response := appErr.ToHTTPResponse()
	c.JSON(status, response)
}

// HandleSuccess writes data in the success envelope.
func HandleSuccess(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}

// HandleCreated is HandleSuccess with 201.
func HandleCreated(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"data":    data,
	})
}

// HandleSuccessWithMessage adds a message to the success envelope.
func HandleSuccessWithMessage(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": message,
		"data":    data,
	})
}
