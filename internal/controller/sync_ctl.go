package controller

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"

	"meli_sync_v1/internal/api/dto"
	"meli_sync_v1/internal/middleware"
	"meli_sync_v1/internal/service"
	"meli_sync_v1/internal/task"
)

// SyncController 手动同步与任务触发
type SyncController struct {
	accountSvc  *service.AccountService
	syncSvc     *service.SyncService
	taskManager *task.TaskManager
	limiter     *middleware.SyncRateLimiter
}

// NewSyncController 创建同步控制器
func NewSyncController(
	accountSvc *service.AccountService,
	syncSvc *service.SyncService,
	taskManager *task.TaskManager,
	limiter *middleware.SyncRateLimiter,
) *SyncController {
	return &SyncController{
		accountSvc:  accountSvc,
		syncSvc:     syncSvc,
		taskManager: taskManager,
		limiter:     limiter,
	}
}

// ==================== Handler 实现 ====================

// SyncAccount 立即同步单个账号
// @Summary 手动同步单个账号
// @Tags Sync
// @Param id path string true "账号 ID"
// @Success 200 {object} dto.AccountResp
// @Failure 409 {object} map[string]interface{} "账号正在同步"
// @Failure 429 {object} map[string]interface{} "冷却中"
// @Router /api/accounts/{id}/sync [post]
func (c *SyncController) SyncAccount(ctx *gin.Context) {
	accountID := ctx.Param("id")

	// 1. 校验归属
	if _, err := c.accountSvc.GetAccount(ctx.Request.Context(), middleware.GetUserID(ctx), accountID); err != nil {
		failErr(ctx, err)
		return
	}

	// 2. 同步
	acc, err := c.syncSvc.SyncAccountNow(ctx.Request.Context(), accountID)
	if err != nil {
		// 被定时任务抢先时不占用冷却
		if errors.Is(err, service.ErrSyncSkipped) && c.limiter != nil {
			c.limiter.Reset(middleware.AccountSyncKey(accountID, middleware.SyncTypeAccount))
		}
		failErr(ctx, err)
		return
	}

	ok(ctx, "同步完成", dto.NewAccountResp(acc, time.Now()))
}

// SyncAll 立即同步所有到期账号
// @Summary 手动同步所有到期账号 (管理员)
// @Tags Sync
// @Success 200 {object} dto.SyncReportResp
// @Failure 429 {object} map[string]interface{} "冷却中"
// @Router /api/sync/all [post]
func (c *SyncController) SyncAll(ctx *gin.Context) {
	report, err := c.taskManager.TriggerSyncAll(ctx.Request.Context())
	if err != nil {
		failErr(ctx, err)
		return
	}

	ok(ctx, "批量同步完成", dto.SyncReportResp{
		Due:         report.Due,
		Batches:     report.Batches,
		Succeeded:   report.Succeeded,
		Failed:      report.Failed,
		TokenFailed: report.TokenFailed,
		Skipped:     report.Skipped,
		Released:    report.Released,
		Duration:    report.Duration.Round(time.Millisecond).String(),
	})
}

// RefreshTokens 立即执行一轮 Token 保活
// @Summary 手动刷新即将过期的 Token (管理员)
// @Tags Sync
// @Success 200 {object} task.TokenReport
// @Router /api/tasks/token-refresh [post]
func (c *SyncController) RefreshTokens(ctx *gin.Context) {
	report, err := c.taskManager.TriggerTokenRefresh(ctx.Request.Context())
	if err != nil {
		failErr(ctx, err)
		return
	}
	ok(ctx, "Token 刷新完成", report)
}

// ProcessEvents 立即处理待处理事件
// @Summary 手动处理待处理事件 (管理员)
// @Tags Sync
// @Success 200 {object} service.ProcessReport
// @Router /api/tasks/events [post]
func (c *SyncController) ProcessEvents(ctx *gin.Context) {
	report, err := c.taskManager.TriggerEvents(ctx.Request.Context())
	if err != nil {
		failErr(ctx, err)
		return
	}
	ok(ctx, "事件处理完成", report)
}

// TaskStatus 定时任务启用状态
func (c *SyncController) TaskStatus(ctx *gin.Context) {
	ok(ctx, "获取成功", c.taskManager.Status())
}
