package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode identifies a class of failure.
type ErrorCode string

const (
	// generic
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeRateLimited  ErrorCode = "RATE_LIMITED"

	// series buffer
	ErrCodeInvalidConfiguration ErrorCode = "INVALID_CONFIGURATION"
	ErrCodeInvalidRange         ErrorCode = "INVALID_RANGE"
	ErrCodeBufferClosed         ErrorCode = "BUFFER_CLOSED"

	// registry
	ErrCodeSeriesNotFound ErrorCode = "SERIES_NOT_FOUND"
	ErrCodeSeriesExists   ErrorCode = "SERIES_EXISTS"

	// data sources
	ErrCodeSourceFailure  ErrorCode = "SOURCE_FAILURE"
	ErrCodeConnectionFail ErrorCode = "CONNECTION_FAILURE"

	// auth
	ErrCodeTokenInvalid ErrorCode = "TOKEN_INVALID"
	ErrCodeTokenExpired ErrorCode = "TOKEN_EXPIRED"
)

// AppError is the error type returned across package boundaries.
type AppError struct {
	Code       ErrorCode  `json:"code"`
	Message    string     `json:"message"`
	Details    string     `json:"details,omitempty"`
	Cause      error      `json:"-"`
	HTTPStatus int        `json:"-"`
	GRPCCode   codes.Code `json:"-"`
}

// Error implements error.
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause to errors.Is / errors.As.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches any AppError carrying the same code, so the predefined
// values below work as sentinels with errors.Is.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New creates an AppError with default HTTP and gRPC mappings.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: getDefaultHTTPStatus(code),
		GRPCCode:   getDefaultGRPCCode(code),
	}
}

// Newf creates an AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps err. An AppError keeps its original code.
func Wrap(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    message,
			Details:    appErr.Message,
			Cause:      err,
			HTTPStatus: appErr.HTTPStatus,
			GRPCCode:   appErr.GRPCCode,
		}
	}

	return &AppError{
		Code:       code,
		Message:    message,
		Details:    err.Error(),
		Cause:      err,
		HTTPStatus: getDefaultHTTPStatus(code),
		GRPCCode:   getDefaultGRPCCode(code),
	}
}

// Wrapf wraps err with a formatted message.
func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *AppError {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// WithDetails returns a copy carrying details.
func (e *AppError) WithDetails(details string) *AppError {
	c := *e
	c.Details = details
	return &c
}

// ToHTTPResponse renders the error for JSON responses.
func (e *AppError) ToHTTPResponse() (int, map[string]interface{}) {
	body := map[string]interface{}{
		"code":    e.Code,
		"message": e.Message,
	}
	if e.Details != "" {
		body["details"] = e.Details
	}
	return e.HTTPStatus, map[string]interface{}{
		"error":   body,
		"success": false,
	}
}

// ToGRPCError converts to a gRPC status error.
func (e *AppError) ToGRPCError() error {
	return status.Error(e.GRPCCode, e.Message)
}

// GetAppError returns the first AppError in err's chain.
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// HasCode reports whether err carries code.
func HasCode(err error, code ErrorCode) bool {
	appErr := GetAppError(err)
	return appErr != nil && appErr.Code == code
}

func getDefaultHTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeInvalidInput, ErrCodeInvalidRange, ErrCodeInvalidConfiguration:
		return http.StatusBadRequest
	case ErrCodeUnauthorized, ErrCodeTokenInvalid, ErrCodeTokenExpired:
		return http.StatusUnauthorized
	case ErrCodeNotFound, ErrCodeSeriesNotFound:
		return http.StatusNotFound
	case ErrCodeSeriesExists:
		return http.StatusConflict
	case ErrCodeBufferClosed:
		return http.StatusGone
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeSourceFailure:
		return http.StatusBadGateway
	case ErrCodeConnectionFail:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func getDefaultGRPCCode(code ErrorCode) codes.Code {
	switch code {
	case ErrCodeInvalidInput, ErrCodeInvalidRange, ErrCodeInvalidConfiguration:
		return codes.InvalidArgument
	case ErrCodeUnauthorized, ErrCodeTokenInvalid, ErrCodeTokenExpired:
		return codes.Unauthenticated
	case ErrCodeNotFound, ErrCodeSeriesNotFound:
		return codes.NotFound
	case ErrCodeSeriesExists:
		return codes.AlreadyExists
	case ErrCodeBufferClosed:
		return codes.FailedPrecondition
	case ErrCodeRateLimited:
		return codes.ResourceExhausted
	case ErrCodeSourceFailure, ErrCodeConnectionFail:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// Predefined errors. Compare with errors.Is; derive variants with WithDetails.
var (
	ErrInternal     = New(ErrCodeInternal, "Internal server error")
	ErrInvalidInput = New(ErrCodeInvalidInput, "Invalid input parameters")
	ErrNotFound     = New(ErrCodeNotFound, "Resource not found")
	ErrUnauthorized = New(ErrCodeUnauthorized, "Unauthorized access")
	ErrRateLimited  = New(ErrCodeRateLimited, "Rate limit exceeded")

	ErrInvalidConfiguration = New(ErrCodeInvalidConfiguration, "Invalid configuration")
	ErrInvalidRange         = New(ErrCodeInvalidRange, "Range end precedes start")
	ErrBufferClosed         = New(ErrCodeBufferClosed, "Buffer is closed")

	ErrSeriesNotFound = New(ErrCodeSeriesNotFound, "Series not found")
	ErrSeriesExists   = New(ErrCodeSeriesExists, "Series already exists")

	ErrSourceFailure  = New(ErrCodeSourceFailure, "Data source failed")
	ErrConnectionFail = New(ErrCodeConnectionFail, "Connection failed")

	ErrTokenInvalid = New(ErrCodeTokenInvalid, "Invalid token")
	ErrTokenExpired = New(ErrCodeTokenExpired, "Token expired")
)
