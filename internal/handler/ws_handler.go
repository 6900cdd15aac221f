package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/weiawesome/wes-io-live/relay-service/internal/hub"
	"github.com/weiawesome/wes-io-live/relay-service/internal/service"
	"github.com/weiawesome/wes-io-live/relay-service/pkg/log"
	"github.com/weiawesome/wes-io-live/relay-service/pkg/response"
)

// WSHandler accepts downstream device connections.
type WSHandler struct {
	service  service.RelayService
	config   hub.Config
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WebSocket handler.
func NewWSHandler(svc service.RelayService, cfg hub.Config) *WSHandler {
	return &WSHandler{
		service: svc,
		config:  cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Devices do not send an Origin header.
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// RegisterRoutes registers the upgrade endpoints. Device firmware dials "/".
func (h *WSHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/", h.HandleWebSocket)
	r.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades the request and registers the connection.
func (h *WSHandler) HandleWebSocket(c *gin.Context) {
	l := log.Ctx(c.Request.Context())

	if !c.IsWebsocket() {
		response.Success(c, gin.H{
			"service":   "relay-service",
			"websocket": "/ws",
		})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		l.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := hub.NewClient(uuid.New().String(), conn, h.config)
	l = log.Ctx(log.WithClient(c.Request.Context(), client.ID()))
	go client.WritePump()

	if err := h.service.HandleConnect(client); err != nil {
		l.Warn().Err(err).Msg("failed to register client")
		client.Close()
		return
	}

	go client.ReadPump(
		func() { h.service.HandlePong(client) },
		func() { h.service.HandleDisconnect(client) },
	)
}
