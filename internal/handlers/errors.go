package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ums-aaa/internal/models"
)

// statusFor maps the error taxonomy onto HTTP status codes
func statusFor(err error) int {
	switch models.KindOf(err) {
	case models.KindValidation:
		return http.StatusBadRequest
	case models.KindPolicy:
		return http.StatusUnprocessableEntity
	case models.KindConflict:
		return http.StatusConflict
	case models.KindTransient:
		return http.StatusServiceUnavailable
	case models.KindNotFound:
		return http.StatusNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// respondError writes {"error", "code"}. Untyped failures are logged and
// answered without detail.
func respondError(c *gin.Context, logger *zap.Logger, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error("Failed to "+op, zap.Error(err))
		c.JSON(status, gin.H{"error": "Internal error"})
		return
	}
	if status == http.StatusServiceUnavailable {
		logger.Warn("Failed to "+op, zap.Error(err))
	}

	code := models.CodeOf(err)
	msg := err.Error()
	var me *models.Error
	if errors.As(err, &me) && me.Kind == models.KindTransient {
		msg = "Service temporarily unavailable"
	}
	c.JSON(status, gin.H{"error": msg, "code": code})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": models.CodeInvalidRequest})
}

func queryInt(c *gin.Context, name string, def int) (int, error) {
	v := c.Query(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, models.NewValidationError(models.CodeInvalidRequest, "invalid %s %q", name, v)
	}
	return n, nil
}

// queryTime accepts RFC 3339 or a plain YYYY-MM-DD date
func queryTime(c *gin.Context, name string) (time.Time, error) {
	v := c.Query(name)
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02", v, time.Local)
	if err != nil {
		return time.Time{}, models.NewValidationError(models.CodeInvalidRequest, "invalid %s %q", name, v)
	}
	return t, nil
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
