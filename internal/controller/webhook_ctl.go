package controller

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"meli_sync_v1/internal/service"
)

// 签名与请求 ID 请求头
const (
	headerSignature = "x-signature"
	headerRequestID = "x-request-id"
)

// WebhookController Mercado Livre 通知入口
// 只做校验和入队，必须在平台超时前应答
type WebhookController struct {
	webhookSvc   *service.WebhookService
	maxBodyBytes int64
}

func NewWebhookController(webhookSvc *service.WebhookService, maxBodyBytes int64) *WebhookController {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 64 << 10
	}
	return &WebhookController{webhookSvc: webhookSvc, maxBodyBytes: maxBodyBytes}
}

// Receive 接收通知
// @Summary 接收 Mercado Livre 通知
// @Tags Webhook
// @Accept json
// @Produce json
// @Success 200 {object} map[string]string "{"status": "received"}"
// @Failure 400 {object} map[string]interface{} "通知格式错误"
// @Router /webhooks/marketplace [post]
func (c *WebhookController) Receive(ctx *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(ctx.Writer, ctx.Request.Body, c.maxBodyBytes))
	if err != nil {
		fail(ctx, http.StatusBadRequest, "读取请求体失败")
		return
	}

	var n service.Notification
	if err := json.Unmarshal(body, &n); err != nil {
		fail(ctx, http.StatusBadRequest, "通知格式错误: "+err.Error())
		return
	}
	if err := n.Validate(); err != nil {
		fail(ctx, http.StatusBadRequest, err.Error())
		return
	}

	// 队列满也应答 200，平台会按自己的策略重投
	c.webhookSvc.Enqueue(&service.InboundWebhook{
		Notification: n,
		Body:         body,
		RequestID:    ctx.GetHeader(headerRequestID),
		Signature:    ctx.GetHeader(headerSignature),
		ReceivedAt:   time.Now(),
	})

	ctx.JSON(http.StatusOK, gin.H{"status": "received"})
}
