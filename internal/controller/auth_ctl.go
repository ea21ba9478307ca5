package controller

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"meli_sync_v1/internal/middleware"
	"meli_sync_v1/internal/service"
)

// AuthController 账号授权绑定
type AuthController struct {
	authService  *service.AuthService
	accountSvc   *service.AccountService
	tokenService *service.TokenService
}

func NewAuthController(authService *service.AuthService, accountSvc *service.AccountService, tokenService *service.TokenService) *AuthController {
	return &AuthController{
		authService:  authService,
		accountSvc:   accountSvc,
		tokenService: tokenService,
	}
}

// Login
// @Summary 获取 Mercado Livre 授权链接
// @Description 为当前用户生成 OAuth 授权链接 (PKCE)，前端跳转后由回调完成绑定
// @Tags Auth (授权模块)
// @Produce json
// @Success 200 {object} map[string]interface{} "auth_url"
// @Failure 500 {object} map[string]interface{} "生成失败"
// @Router /api/oauth/login [get]
func (ctrl *AuthController) Login(c *gin.Context) {
	url, err := ctrl.authService.GenerateLoginURL(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, "获取成功", gin.H{"auth_url": url})
}

// Callback
// @Summary Mercado Livre 授权回调
// @Description 接收 code 和 state，换取 Token 并新建或重新连接账号
// @Tags Auth (授权模块)
// @Produce json
// @Param code query string true "授权码"
// @Param state query string true "安全校验码"
// @Success 200 {object} map[string]interface{} "授权成功信息"
// @Failure 400 {object} map[string]interface{} "拒绝授权/参数错误"
// @Router /api/oauth/callback [get]
func (ctrl *AuthController) Callback(c *gin.Context) {
	code := c.Query("code")
	state := c.Query("state")

	if errParam := c.Query("error"); errParam != "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    400,
			"message": "用户拒绝了授权",
			"data":    gin.H{"meli_msg": errParam},
		})
		return
	}

	if code == "" || state == "" {
		fail(c, http.StatusBadRequest, "缺少必要参数 code 或 state")
		return
	}

	acc, err := ctrl.authService.HandleCallback(c.Request.Context(), code, state)
	if err != nil {
		failErr(c, err)
		return
	}

	ok(c, "账号绑定成功", gin.H{
		"account_id": acc.AccountID,
		"nickname":   acc.Nickname,
		"site_id":    acc.SiteID,
		"is_primary": acc.IsPrimary,
		"expire_at":  acc.TokenExpiresAt,
	})
}

// RefreshToken 手动强制刷新 Token
// @Summary 刷新账号 Token
// @Tags Auth (授权模块)
// @Param id path string true "账号 ID"
// @Success 200 {object} map[string]interface{} "下一次过期时间"
// @Failure 422 {object} map[string]interface{} "刷新失败，需要重新授权"
// @Router /api/accounts/{id}/refresh-token [post]
func (ctrl *AuthController) RefreshToken(c *gin.Context) {
	acc, err := ctrl.accountSvc.GetAccount(c.Request.Context(), middleware.GetUserID(c), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}

	tokens, err := ctrl.tokenService.Refresh(c.Request.Context(), acc)
	if err != nil {
		status := http.StatusUnprocessableEntity
		if service.IsRetryable(err) {
			status = http.StatusBadGateway
		}
		fail(c, status, err.Error())
		return
	}

	ok(c, "Token 已刷新", gin.H{
		"account_id": acc.AccountID,
		"expire_at":  tokens.ExpiresAt,
	})
}
