package router

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"meli_sync_v1/internal/controller"
	"meli_sync_v1/internal/middleware"
)

// Controllers 路由依赖的控制器
type Controllers struct {
	Auth     *controller.AuthController
	Account  *controller.AccountController
	Sync     *controller.SyncController
	Webhook  *controller.WebhookController
	Realtime *controller.RealtimeController
}

// Limits 路由级限流
type Limits struct {
	SyncLimiter    *middleware.SyncRateLimiter
	ManualCooldown time.Duration // 单账号手动同步冷却
	OAuthLimiter   *middleware.IPRateLimiter
}

// InitRoutes 注册所有路由
func InitRoutes(r *gin.Engine, ctls *Controllers, limits Limits) {
	// 1. 运维
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 2. Webhook，平台调用，无鉴权
	// POST /webhooks/marketplace
	r.POST("/webhooks/marketplace", ctls.Webhook.Receive)

	// 3. WebSocket，浏览器无法带 header，Token 放在 query
	// GET /ws?token=
	r.GET("/ws", middleware.QueryTokenAuth(), ctls.Realtime.Connect)

	// 4. API 路由组
	api := r.Group("/api")
	{
		// oauth 授权组
		oauth := api.Group("/oauth")
		oauth.Use(middleware.IPRateLimit(limits.OAuthLimiter))
		{
			// GET /api/oauth/login
			oauth.GET("/login", middleware.JWTAuth(), ctls.Auth.Login)

			// GET /api/oauth/callback
			// 浏览器从 Mercado Livre 跳回，owner 从 state 中恢复
			oauth.GET("/callback", ctls.Auth.Callback)
		}

		authed := api.Group("")
		authed.Use(middleware.JWTAuth())

		// accounts 账号管理
		accounts := authed.Group("/accounts")
		{
			accounts.GET("", ctls.Account.List)
			accounts.GET("/:id", ctls.Account.Get)
			accounts.POST("/:id/pause", ctls.Account.Pause)
			accounts.POST("/:id/resume", ctls.Account.Resume)
			accounts.PUT("/:id/settings", ctls.Account.UpdateSettings)
			accounts.POST("/:id/primary", ctls.Account.SetPrimary)
			accounts.POST("/:id/disconnect", ctls.Account.Disconnect)
			accounts.DELETE("/:id", ctls.Account.Delete)
			accounts.GET("/:id/events", ctls.Account.ListEvents)
			accounts.POST("/:id/refresh-token", ctls.Auth.RefreshToken)

			// POST /api/accounts/:id/sync
			accounts.POST("/:id/sync",
				middleware.SyncRateLimit(limits.SyncLimiter, middleware.SyncTypeAccount, limits.ManualCooldown),
				ctls.Sync.SyncAccount,
			)
		}

		// events 事件
		events := authed.Group("/events")
		{
			events.GET("", ctls.Account.ListEvents)
			events.POST("/:event_id/requeue", ctls.Account.RequeueEvent)
		}

		// 管理员操作
		admin := authed.Group("")
		admin.Use(middleware.RequireRole(middleware.RoleAdmin))
		{
			// POST /api/sync/all
			admin.POST("/sync/all",
				middleware.GlobalSyncRateLimit(limits.SyncLimiter, middleware.SyncTypeAll, limits.ManualCooldown),
				ctls.Sync.SyncAll,
			)
			admin.POST("/tasks/token-refresh", ctls.Sync.RefreshTokens)
			admin.POST("/tasks/events", ctls.Sync.ProcessEvents)
			admin.GET("/tasks/status", ctls.Sync.TaskStatus)
		}
	}
}
