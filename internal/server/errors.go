package server

import (
	"errors"
	"net/http"

	"pairing_engine/internal/model"
	"pairing_engine/internal/session"

	"github.com/gin-gonic/gin"
	gobreaker "github.com/sony/gobreaker/v2"
)

// statusFor 将领域错误映射为 HTTP 状态码
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInsufficientItems):
		return http.StatusConflict
	case errors.Is(err, session.ErrInvalidSlider),
		errors.Is(err, session.ErrSameItem),
		errors.Is(err, session.ErrUnknownItem):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrIdentityMissing):
		return http.StatusUnauthorized
	case errors.Is(err, gobreaker.ErrOpenState),
		errors.Is(err, gobreaker.ErrTooManyRequests),
		errors.Is(err, model.ErrHydration),
		errors.Is(err, model.ErrPersistence):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusConflict {
		msg = "no pair available"
	}
	c.JSON(status, gin.H{"error": msg})
}
