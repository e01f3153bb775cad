package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lottonotify/internal/notify"
)

// RouterConfig carries the secrets the route guards need.
type RouterConfig struct {
	JWTSecret      string
	AdminTokenHash string
}

// NewRouter wires the HTTP surface: submission, inspection, the
// real-time notification endpoint, and the admin routes.
func NewRouter(cfg RouterConfig, h *Handler, ws *notify.Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), TraceMiddleware(), MetricsMiddleware())

	r.GET("/health", h.Health)
	r.HEAD("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/ws/notifications", ws.ServeWS)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/send", h.Send)
		v1.POST("/broadcast", h.Broadcast)
		v1.GET("/status/:id", h.Status)
		v1.DELETE("/messages/:id", h.Cancel)
		v1.GET("/usage", h.Usage)

		authed := v1.Group("")
		authed.Use(AuthMiddleware(cfg.JWTSecret))
		{
			authed.GET("/notifications", h.ListNotifications)
			authed.POST("/notifications/:id/read", h.MarkNotificationRead)
		}

		admin := v1.Group("/admin")
		admin.Use(AdminMiddleware(cfg.AdminTokenHash))
		{
			admin.GET("/dead-letters", h.ListDeadLetters)
			admin.POST("/dead-letters/:id/requeue", h.RequeueDeadLetter)
			admin.POST("/backend/reset", h.ResetPrimaryBackend)
		}
	}

	return r
}
