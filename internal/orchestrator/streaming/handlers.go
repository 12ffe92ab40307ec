package streaming

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/chatsync/internal/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// observers are local tools on the same host
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSHandler upgrades observer connections.
type WSHandler struct {
	hub    *Hub
	logger *logger.Logger
}

// NewWSHandler creates a new WebSocket handler
func NewWSHandler(hub *Hub, log *logger.Logger) *WSHandler {
	return &WSHandler{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// Stream serves an observer connection. Initial topics may be passed as a
// comma separated "topics" query parameter.
// WS /api/v1/stream
func (h *WSHandler) Stream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), conn, h.hub, h.logger)
	if !h.hub.Register(client) {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		_ = conn.Close()
		return
	}
	h.logger.Info("WebSocket connection established", zap.String("client_id", client.ID))

	for _, topic := range strings.Split(c.Query("topics"), ",") {
		if topic = strings.TrimSpace(topic); topic != "" {
			client.Subscribe(topic)
		}
	}

	go client.WritePump()
	go client.ReadPump()
}

// SetupRoutes mounts the stream endpoint.
func SetupRoutes(router *gin.RouterGroup, hub *Hub, log *logger.Logger) {
	router.GET("/stream", NewWSHandler(hub, log).Stream)
}
