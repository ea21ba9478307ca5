package controller

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"meli_sync_v1/internal/api/dto"
	"meli_sync_v1/internal/middleware"
	"meli_sync_v1/internal/model"
	"meli_sync_v1/internal/repository"
	"meli_sync_v1/internal/service"
)

// AccountController 账号管理
type AccountController struct {
	accountSvc *service.AccountService
}

func NewAccountController(accountSvc *service.AccountService) *AccountController {
	return &AccountController{accountSvc: accountSvc}
}

// List 获取账号列表
// @Summary 获取账号列表
// @Description 分页查询当前用户绑定的 Mercado Livre 账号
// @Tags Account (账号管理)
// @Produce json
// @Param status query string false "状态筛选"
// @Param nickname query string false "昵称关键词"
// @Param page query int false "页码" default(1)
// @Param page_size query int false "每页数量" default(20)
// @Success 200 {object} dto.AccountListResp "账号列表"
// @Router /api/accounts [get]
func (c *AccountController) List(ctx *gin.Context) {
	var req dto.AccountListReq
	if err := ctx.ShouldBindQuery(&req); err != nil {
		fail(ctx, http.StatusBadRequest, "参数错误: "+err.Error())
		return
	}

	accounts, total, err := c.accountSvc.ListAccounts(ctx.Request.Context(), middleware.GetUserID(ctx), repository.AccountFilter{
		Status:   model.AccountStatus(req.Status),
		Nickname: req.Nickname,
		Page:     req.Page,
		PageSize: req.PageSize,
	})
	if err != nil {
		failErr(ctx, err)
		return
	}

	ok(ctx, "获取成功", dto.NewAccountListResp(accounts, total, time.Now()))
}

// Get 获取账号详情
// @Summary 获取账号详情
// @Tags Account (账号管理)
// @Produce json
// @Param id path string true "账号 ID"
// @Success 200 {object} dto.AccountResp
// @Failure 404 {object} map[string]interface{} "账号不存在"
// @Router /api/accounts/{id} [get]
func (c *AccountController) Get(ctx *gin.Context) {
	acc, err := c.accountSvc.GetAccount(ctx.Request.Context(), middleware.GetUserID(ctx), ctx.Param("id"))
	if err != nil {
		failErr(ctx, err)
		return
	}
	ok(ctx, "获取成功", dto.NewAccountResp(acc, time.Now()))
}

// Pause 暂停同步
// @Summary 暂停账号同步
// @Tags Account (账号管理)
// @Param id path string true "账号 ID"
// @Success 200 {object} dto.AccountResp
// @Failure 409 {object} map[string]interface{} "当前状态不允许"
// @Router /api/accounts/{id}/pause [post]
func (c *AccountController) Pause(ctx *gin.Context) {
	acc, err := c.accountSvc.Pause(ctx.Request.Context(), middleware.GetUserID(ctx), ctx.Param("id"))
	if err != nil {
		failErr(ctx, err)
		return
	}
	ok(ctx, "已暂停同步", dto.NewAccountResp(acc, time.Now()))
}

// Resume 恢复同步
// @Summary 恢复账号同步
// @Tags Account (账号管理)
// @Param id path string true "账号 ID"
// @Success 200 {object} dto.AccountResp
// @Router /api/accounts/{id}/resume [post]
func (c *AccountController) Resume(ctx *gin.Context) {
	acc, err := c.accountSvc.Resume(ctx.Request.Context(), middleware.GetUserID(ctx), ctx.Param("id"))
	if err != nil {
		failErr(ctx, err)
		return
	}
	ok(ctx, "已恢复同步", dto.NewAccountResp(acc, time.Now()))
}

// UpdateSettings 修改同步设置
// @Summary 修改同步设置
// @Tags Account (账号管理)
// @Accept json
// @Param id path string true "账号 ID"
// @Param request body dto.AccountSettingsReq true "同步设置"
// @Success 200 {object} dto.AccountResp
// @Router /api/accounts/{id}/settings [put]
func (c *AccountController) UpdateSettings(ctx *gin.Context) {
	var req dto.AccountSettingsReq
	if err := ctx.ShouldBindJSON(&req); err != nil {
		fail(ctx, http.StatusBadRequest, "参数错误: "+err.Error())
		return
	}

	acc, err := c.accountSvc.UpdateSettings(ctx.Request.Context(), middleware.GetUserID(ctx), ctx.Param("id"), service.SyncSettings{
		SyncEnabled:    req.SyncEnabled,
		SyncIntervalMs: req.SyncIntervalMs,
	})
	if err != nil {
		failErr(ctx, err)
		return
	}
	ok(ctx, "更新成功", dto.NewAccountResp(acc, time.Now()))
}

// SetPrimary 设为主账号
func (c *AccountController) SetPrimary(ctx *gin.Context) {
	if err := c.accountSvc.SetPrimary(ctx.Request.Context(), middleware.GetUserID(ctx), ctx.Param("id")); err != nil {
		failErr(ctx, err)
		return
	}
	ok(ctx, "已设为主账号", nil)
}

// Disconnect 解绑账号，保留历史事件
func (c *AccountController) Disconnect(ctx *gin.Context) {
	if err := c.accountSvc.Disconnect(ctx.Request.Context(), middleware.GetUserID(ctx), ctx.Param("id")); err != nil {
		failErr(ctx, err)
		return
	}
	ok(ctx, "已解绑", nil)
}

// Delete 删除账号
func (c *AccountController) Delete(ctx *gin.Context) {
	if err := c.accountSvc.Delete(ctx.Request.Context(), middleware.GetUserID(ctx), ctx.Param("id")); err != nil {
		failErr(ctx, err)
		return
	}
	ok(ctx, "删除成功", nil)
}

// ==================== 事件 ====================

// ListEvents 获取事件列表
// @Summary 获取 Webhook 事件列表
// @Tags Event (事件)
// @Produce json
// @Param account_id query string false "账号 ID"
// @Param topic query string false "topic"
// @Param status query string false "received / processing / processed / failed"
// @Param payload query bool false "是否返回原始数据"
// @Success 200 {object} dto.EventListResp
// @Router /api/events [get]
func (c *AccountController) ListEvents(ctx *gin.Context) {
	var req dto.EventListReq
	if err := ctx.ShouldBindQuery(&req); err != nil {
		fail(ctx, http.StatusBadRequest, "参数错误: "+err.Error())
		return
	}
	// /api/accounts/:id/events
	if id := ctx.Param("id"); id != "" {
		req.AccountID = id
	}

	events, total, err := c.accountSvc.ListEvents(ctx.Request.Context(), middleware.GetUserID(ctx), repository.EventFilter{
		AccountID: req.AccountID,
		Topic:     model.Topic(req.Topic),
		Status:    model.EventStatus(req.Status),
		Page:      req.Page,
		PageSize:  req.PageSize,
	})
	if err != nil {
		failErr(ctx, err)
		return
	}
	ok(ctx, "获取成功", dto.NewEventListResp(events, total, ctx.Query("payload") == "true"))
}

// RequeueEvent 重新处理失败的事件
// @Summary 重新处理事件
// @Tags Event (事件)
// @Param event_id path string true "事件 ID"
// @Success 200 {object} map[string]interface{}
// @Failure 409 {object} map[string]interface{} "事件未失败"
// @Router /api/events/{event_id}/requeue [post]
func (c *AccountController) RequeueEvent(ctx *gin.Context) {
	if err := c.accountSvc.RequeueEvent(ctx.Request.Context(), middleware.GetUserID(ctx), ctx.Param("event_id")); err != nil {
		failErr(ctx, err)
		return
	}
	ok(ctx, "已重新入队", gin.H{"event_id": ctx.Param("event_id")})
}
