package controller

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"meli_sync_v1/internal/service"
	"meli_sync_v1/internal/task"
)

// ==================== 统一响应 ====================

func ok(ctx *gin.Context, message string, data interface{}) {
	ctx.JSON(http.StatusOK, gin.H{
		"code":    200,
		"message": message,
		"data":    data,
	})
}

func fail(ctx *gin.Context, status int, message string) {
	ctx.JSON(status, gin.H{
		"code":    status,
		"message": message,
	})
}

// failErr 业务错误映射为 HTTP 状态码
func failErr(ctx *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrAccountNotFound), errors.Is(err, service.ErrEventNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, service.ErrInvalidStatus), errors.Is(err, service.ErrSyncSkipped):
		status = http.StatusConflict
	case errors.Is(err, service.ErrInvalidInterval), errors.Is(err, service.ErrInvalidState):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrAccountUnavailable), errors.Is(err, service.ErrTokenRefreshFailed):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, task.ErrTaskDisabled):
		status = http.StatusServiceUnavailable
	}

	var upstream *service.UpstreamError
	if errors.As(err, &upstream) {
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		_ = ctx.Error(err)
	}
	fail(ctx, status, err.Error())
}
