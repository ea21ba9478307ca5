package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// ==================== 同步冷却中间件 ====================

// SyncRateLimit 按账号限制手动同步频率
//
// 使用示例:
//
//	accounts.POST("/:id/sync",
//	    middleware.SyncRateLimit(limiter, middleware.SyncTypeAccount, 2*time.Minute),
//	    syncCtl.SyncAccount,
//	)
func SyncRateLimit(limiter *SyncRateLimiter, syncType SyncType, interval time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID := c.Param("id")
		key := GlobalSyncKey(syncType)
		if accountID != "" {
			key = AccountSyncKey(accountID, syncType)
		}
		cooldown(c, limiter, key, syncType, interval)
	}
}

// GlobalSyncRateLimit 全局操作限流，用于 "同步所有账号"
func GlobalSyncRateLimit(limiter *SyncRateLimiter, syncType SyncType, interval time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		cooldown(c, limiter, GlobalSyncKey(syncType), syncType, interval)
	}
}

func cooldown(c *gin.Context, limiter *SyncRateLimiter, key string, syncType SyncType, interval time.Duration) {
	result := limiter.Check(key, interval)
	if !result.Allowed {
		c.Header("Retry-After", fmt.Sprint(int(result.RetryAfter.Seconds())+1))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"code":    429,
			"message": formatRetryMessage(result.RetryAfter),
			"data": gin.H{
				"retry_after": int(result.RetryAfter.Seconds()),
				"sync_type":   syncType,
			},
		})
		return
	}
	c.Next()
}

// formatRetryMessage 格式化重试提示信息
func formatRetryMessage(d time.Duration) string {
	seconds := int(d.Seconds())
	if seconds < 60 {
		return fmt.Sprintf("同步冷却中，请 %d 秒后重试", seconds)
	}

	minutes := seconds / 60
	remainingSeconds := seconds % 60
	if remainingSeconds == 0 {
		return fmt.Sprintf("同步冷却中，请 %d 分钟后重试", minutes)
	}
	return fmt.Sprintf("同步冷却中，请 %d 分 %d 秒后重试", minutes, remainingSeconds)
}
