package controller

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"meli_sync_v1/internal/middleware"
	"meli_sync_v1/internal/realtime"
)

// RealtimeController WebSocket 推送入口
type RealtimeController struct {
	hub      *realtime.Hub
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger
}

// NewRealtimeController allowedOrigins 为空时不校验 Origin
func NewRealtimeController(hub *realtime.Hub, allowedOrigins []string, logger *zap.SugaredLogger) *RealtimeController {
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = struct{}{}
	}

	return &RealtimeController{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(origins) == 0 {
					return true
				}
				_, ok := origins[r.Header.Get("Origin")]
				return ok
			},
		},
		logger: logger.With("component", "realtime"),
	}
}

// Connect 升级为 WebSocket，只推送当前用户的事件
// @Summary 实时推送
// @Tags Realtime
// @Param token query string true "Access Token"
// @Router /ws [get]
func (c *RealtimeController) Connect(ctx *gin.Context) {
	userID := middleware.GetUserID(ctx)

	conn, err := c.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		// Upgrade 已经写过错误响应
		c.logger.Debugw("WebSocket 升级失败", "user_id", userID, "error", err)
		return
	}

	c.logger.Debugw("WebSocket 已连接", "user_id", userID)
	realtime.NewClient(c.hub, conn, userID).Serve()
}
