package service

import (
	"errors"
	"fmt"
	"strings"
)

// ==================== Token 错误 ====================

// ErrNoRefreshToken 账号没有 refresh token，只能重新授权
var ErrNoRefreshToken = errors.New("no_refresh_token")

// RefreshRejectedError 平台拒绝刷新 (refresh token 失效 / 应用被撤销)
type RefreshRejectedError struct {
	HTTPStatus int
	Reason     string
}

func (e *RefreshRejectedError) Error() string {
	return fmt.Sprintf("refresh_rejected: status %d: %s", e.HTTPStatus, e.Reason)
}

// TransientError 网络 / 超时 / 5xx，调用方可以稍后重试
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsRetryable 只有 TransientError 可以重试
func IsRetryable(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ==================== 同步错误 ====================

// ErrTokenRefreshFailed 同步前刷新 Token 失败
var ErrTokenRefreshFailed = errors.New("token_refresh_failed")

// ErrSyncSkipped 账号正在被其他任务同步
var ErrSyncSkipped = errors.New("sync_skipped")

// PartialFetchError 部分统计项拉取失败，对应缓存字段保持旧值
type PartialFetchError struct {
	Fields []string
}

func (e *PartialFetchError) Error() string {
	return "partial_fetch_failure: " + strings.Join(e.Fields, ",")
}

// UpstreamError 平台接口整体失败
type UpstreamError struct {
	HTTPStatus int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.HTTPStatus > 0 {
		return fmt.Sprintf("upstream_error: status %d: %v", e.HTTPStatus, e.Err)
	}
	return fmt.Sprintf("upstream_error: %v", e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// ==================== 事件错误 ====================

// ErrAccountUnavailable 事件对应的账号不存在或未连接
var ErrAccountUnavailable = errors.New("account_unavailable")

// FetchFailedError 拉取事件资源失败
type FetchFailedError struct {
	Topic      string
	ResourceID string
	HTTPStatus int
	Err        error
}

func (e *FetchFailedError) Error() string {
	return fmt.Sprintf("fetch_failed: %s/%s: %v", e.Topic, e.ResourceID, e.Err)
}

func (e *FetchFailedError) Unwrap() error {
	return e.Err
}

// ==================== 通用 ====================

var (
	ErrAccountNotFound = errors.New("账号不存在")
	ErrForbidden       = errors.New("无权操作该账号")
	ErrInvalidState    = errors.New("授权状态无效或已过期")
	ErrInvalidStatus   = errors.New("当前状态不允许该操作")
	ErrEventNotFound   = errors.New("事件不存在")
	ErrInvalidInterval = errors.New("同步间隔不能小于 1 分钟")
)
