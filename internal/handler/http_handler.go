package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/weiawesome/wes-io-live/relay-service/internal/service"
	"github.com/weiawesome/wes-io-live/relay-service/internal/upstream"
	"github.com/weiawesome/wes-io-live/relay-service/pkg/log"
	"github.com/weiawesome/wes-io-live/relay-service/pkg/response"
)

// HTTPHandler serves health and status endpoints.
type HTTPHandler struct {
	service service.RelayService
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(svc service.RelayService) *HTTPHandler {
	return &HTTPHandler{service: svc}
}

// RegisterRoutes registers all routes.
func (h *HTTPHandler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.HealthCheck)

	api := r.Group("/api/v1")
	{
		api.GET("/status", h.GetStatus)
		api.POST("/upstream/restart", h.RestartUpstream)
	}

	r.NoRoute(func(c *gin.Context) {
		response.NotFound(c, "route not found")
	})
}

// HealthCheck reports process liveness.
func (h *HTTPHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GetStatus returns upstream state and the connected client count.
func (h *HTTPHandler) GetStatus(c *gin.Context) {
	response.Success(c, h.service.Status())
}

// RestartUpstream reconnects an upstream session that exhausted its attempts.
func (h *HTTPHandler) RestartUpstream(c *gin.Context) {
	l := log.Ctx(c.Request.Context())

	if err := h.service.RestartUpstream(); err != nil {
		switch {
		case errors.Is(err, upstream.ErrNotExhausted):
			response.Conflict(c, "upstream session is not disconnected")
		case errors.Is(err, upstream.ErrNotStarted):
			response.ServiceUnavailable(c, "upstream session has not started")
		case errors.Is(err, upstream.ErrSessionStopped):
			response.ServiceUnavailable(c, "relay is shutting down")
		default:
			l.Error().Err(err).Msg("failed to restart upstream")
			response.InternalError(c, "failed to restart upstream")
		}
		return
	}

	l.Info().Msg("upstream restart requested")
	response.Accepted(c, h.service.Status().Upstream)
}
