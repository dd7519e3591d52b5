package httpapi

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"educate-attendance/internal/attendance"
	"educate-attendance/internal/metrics"
	"educate-attendance/internal/token"
)

// Error codes in the uniform envelope {error: {code, message, details?}}.
const (
	CodeTokenExpired    = "token_expired"
	CodeInvalidToken    = "invalid_token"
	CodeInvalidSession  = "invalid_session"
	CodeRateLimited     = "rate_limited"
	CodeValidationError = "validation_error"
	CodeServerError     = "server_error"
)

func writeError(c *gin.Context, status int, code, message string, details any) {
	body := gin.H{"code": code, "message": message}
	if details != nil {
		body["details"] = details
	}
	c.JSON(status, gin.H{"error": body})
}

// writePipelineError maps marking-pipeline errors to responses. Internals
// (signing keys, driver errors) never reach the body; expired tokens carry
// their original expiry so the client can show it.
func writePipelineError(c *gin.Context, err error) {
	var expired *token.ExpiredError
	switch {
	case errors.As(err, &expired):
		details := gin.H{}
		if !expired.ExpiredAt.IsZero() {
			details["expired_at"] = expired.ExpiredAt.UTC().Format(time.RFC3339)
		}
		metrics.MarksTotal.WithLabelValues(CodeTokenExpired).Inc()
		writeError(c, http.StatusUnauthorized, CodeTokenExpired, "token has expired", details)
	case errors.Is(err, token.ErrInvalidToken):
		metrics.MarksTotal.WithLabelValues(CodeInvalidToken).Inc()
		writeError(c, http.StatusUnauthorized, CodeInvalidToken, "invalid or malformed token", nil)
	case errors.Is(err, attendance.ErrSessionMismatch):
		metrics.MarksTotal.WithLabelValues(CodeInvalidSession).Inc()
		writeError(c, http.StatusBadRequest, CodeInvalidSession, "session id does not match token", nil)
	case errors.Is(err, attendance.ErrRateLimited):
		metrics.MarksTotal.WithLabelValues(CodeRateLimited).Inc()
		writeError(c, http.StatusTooManyRequests, CodeRateLimited, "too many attempts, try again shortly", nil)
	default:
		log.Printf("attendance request failed: %v", err)
		metrics.MarksTotal.WithLabelValues("error").Inc()
		writeError(c, http.StatusInternalServerError, CodeServerError, "an unexpected error occurred", nil)
	}
}
