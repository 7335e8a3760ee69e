package server

import (
	"errors"
	"net/http"

	"github.com/NaumSimi11/md-mindmap-sub000/internal/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// respondError writes err using the status carried by domain errors. Anything
// else is a 500 that exposes only the service error code.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	var httpErr domain.HTTPError
	if errors.As(err, &httpErr) {
		body := gin.H{"error": err.Error()}
		var conflict *domain.ConflictError
		if errors.As(err, &conflict) && conflict.CurrentVersion > 0 {
			body["expected_version"] = conflict.ExpectedVersion
			body["current_version"] = conflict.CurrentVersion
		}
		c.JSON(httpErr.StatusCode(), body)
		return
	}

	code := "internal_error"
	var serviceErr *domain.ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}
	h.logger.Error("request failed",
		zap.String("method", c.Request.Method),
		zap.String("route", c.FullPath()),
		zap.String("code", code),
		zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error", "code": code})
}

func (h *httpHandler) respondInvalid(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": message})
}
