// Package response standardizes the gateway's HTTP responses and maps
// the core error taxonomy onto status codes in one place.
package response

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tradewire/terminal-api/internal/types"
)

// Response represents a standardized API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents an error response
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes
const (
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeBadRequest          = "BAD_REQUEST"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeValidationFailed    = "VALIDATION_FAILED"
	ErrCodeInvalidCredential   = "INVALID_CREDENTIAL"
	ErrCodeNotConnected        = "NOT_CONNECTED"
	ErrCodeRateLimited         = "RATE_LIMITED"
	ErrCodeTerminalUnavailable = "TERMINAL_UNAVAILABLE"
	ErrCodeBrokerRejected      = "BROKER_REJECTED"
	ErrCodeOrderTerminal       = "ORDER_TERMINAL"
	ErrCodeTimeout             = "TIMEOUT"
	ErrCodeInternalError       = "INTERNAL_ERROR"
)

// Handle maps err onto the taxonomy and writes the response. A nil err
// writes data as a success.
func Handle(c *gin.Context, data interface{}, err error) {
	if err == nil {
		Success(c, data)
		return
	}

	var verr *types.ValidationError
	var rlerr *types.RateLimitedError

	switch {
	case errors.As(err, &verr):
		fail(c, http.StatusBadRequest, ErrCodeValidationFailed, verr.Error())
	case errors.As(err, &rlerr):
		c.Header("Retry-After", fmt.Sprintf("%.0f", rlerr.RetryAfter.Seconds()+0.5))
		fail(c, http.StatusTooManyRequests, ErrCodeRateLimited, rlerr.Error())
	case errors.Is(err, types.ErrInvalidCredential):
		fail(c, http.StatusUnauthorized, ErrCodeInvalidCredential, "broker rejected the credential")
	case errors.Is(err, types.ErrNotConnected):
		fail(c, http.StatusConflict, ErrCodeNotConnected, "no active session, connect first")
	case errors.Is(err, types.ErrTerminalUnavailable):
		fail(c, http.StatusServiceUnavailable, ErrCodeTerminalUnavailable, "terminal unavailable, retry later")
	case errors.Is(err, types.ErrBrokerRejected):
		fail(c, http.StatusUnprocessableEntity, ErrCodeBrokerRejected, err.Error())
	case errors.Is(err, types.ErrOrderTerminal):
		fail(c, http.StatusConflict, ErrCodeOrderTerminal, err.Error())
	case errors.Is(err, types.ErrOrderNotFound),
		errors.Is(err, types.ErrPositionNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		fail(c, http.StatusGatewayTimeout, ErrCodeTimeout, "operation timed out")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternalError, "An unexpected error occurred")
	}
}

// Success sends a successful response
func Success(c *gin.Context, data interface{}) {
	status := http.StatusOK
	if c.Request.Method == "POST" {
		status = http.StatusCreated
	}

	c.JSON(status, Response{
		Success: true,
		Data:    data,
	})
}

// NotFound sends a 404 response
func NotFound(c *gin.Context, message string) {
	fail(c, http.StatusNotFound, ErrCodeNotFound, message)
}

// BadRequest sends a 400 response
func BadRequest(c *gin.Context, message string) {
	fail(c, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// Unauthorized sends a 401 response
func Unauthorized(c *gin.Context, message string) {
	fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// InternalError sends a 500 response
func InternalError(c *gin.Context, message string) {
	fail(c, http.StatusInternalServerError, ErrCodeInternalError, message)
}

func fail(c *gin.Context, status int, code, message string) {
	c.JSON(status, Response{
		Success: false,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	})
}
