package notify

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"lottonotify/pkg/util"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// same-origin enforcement happens at the gateway
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades authenticated clients onto the hub.
type Handler struct {
	hub       *Hub
	jwtSecret string
	logger    *zap.Logger
}

func NewHandler(hub *Hub, jwtSecret string, logger *zap.Logger) *Handler {
	return &Handler{hub: hub, jwtSecret: jwtSecret, logger: logger}
}

// ServeWS handles GET /ws/notifications. The token comes from the
// Authorization header or the token query parameter.
func (h *Handler) ServeWS(c *gin.Context) {
	token := util.ExtractToken(c.Request)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}

	userID, err := util.ParseJWT(token, h.jwtSecret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed",
			zap.Int("user_id", userID),
			zap.Error(err),
		)
		return
	}

	h.hub.Register(c.Request.Context(), userID, conn)

	// read pump: keeps the connection alive and detects disconnects
	defer func() {
		h.hub.Unregister(userID, conn)
		conn.Close()
	}()

	conn.SetReadLimit(512)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("Notification connection read error",
					zap.Int("user_id", userID),
					zap.Error(err),
				)
			}
			return
		}
	}
}
