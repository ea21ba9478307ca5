package dto

import (
	"time"

	"meli_sync_v1/internal/model"
)

// ================== Account DTO ==================

// AccountListReq 账号列表请求
type AccountListReq struct {
	Page     int    `form:"page,default=1"`
	PageSize int    `form:"page_size,default=20"`
	Status   string `form:"status"`
	Nickname string `form:"nickname"`
}

// AccountSettingsReq 同步设置，字段为空表示不修改
type AccountSettingsReq struct {
	SyncEnabled    *bool  `json:"sync_enabled"`
	SyncIntervalMs *int64 `json:"sync_interval_ms"`
}

// AccountResp 账号响应，不包含 Token
type AccountResp struct {
	AccountID         string             `json:"account_id"`
	MarketplaceUserID int64              `json:"marketplace_user_id"`
	Nickname          string             `json:"nickname"`
	SiteID            string             `json:"site_id"`
	IsPrimary         bool               `json:"is_primary"`
	Status            string             `json:"status"`
	TokenStatus       string             `json:"token_status"`
	TokenExpiresAt    time.Time          `json:"token_expires_at"`
	SyncEnabled       bool               `json:"sync_enabled"`
	SyncIntervalMs    int64              `json:"sync_interval_ms"`
	LastSyncAt        *time.Time         `json:"last_sync_at"`
	LastSyncStatus    string             `json:"last_sync_status"`
	LastSyncError     string             `json:"last_sync_error"`
	ErrorCount        int                `json:"error_count"`
	RecentErrors      []model.ErrorEntry `json:"recent_errors"`
	Summary           model.CachedData   `json:"summary"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// AccountListResp 账号列表响应
type AccountListResp struct {
	Total int64         `json:"total"`
	List  []AccountResp `json:"list"`
}

// Token 状态文案
const (
	TokenStatusValid        = "valid"
	TokenStatusExpiring     = "expiring"
	TokenStatusExpired      = "expired"
	TokenStatusDisconnected = "disconnected"
)

// tokenExpiringWindow 剩余有效期小于该值时提示即将过期
const tokenExpiringWindow = 30 * time.Minute

// NewAccountResp 模型转响应
func NewAccountResp(acc *model.Account, now time.Time) AccountResp {
	history := acc.ErrorHistory.Data()
	return AccountResp{
		AccountID:         acc.AccountID,
		MarketplaceUserID: acc.MarketplaceUserID,
		Nickname:          acc.Nickname,
		SiteID:            acc.SiteID,
		IsPrimary:         acc.IsPrimary,
		Status:            string(acc.Status),
		TokenStatus:       tokenStatus(acc, now),
		TokenExpiresAt:    acc.TokenExpiresAt,
		SyncEnabled:       acc.SyncEnabled,
		SyncIntervalMs:    acc.SyncInterval().Milliseconds(),
		LastSyncAt:        acc.LastSyncAt,
		LastSyncStatus:    string(acc.LastSyncStatus),
		LastSyncError:     acc.LastSyncError,
		ErrorCount:        acc.ErrorCount,
		RecentErrors:      []model.ErrorEntry(history),
		Summary:           acc.CachedData.Data(),
		CreatedAt:         acc.CreatedAt,
		UpdatedAt:         acc.UpdatedAt,
	}
}

// NewAccountListResp 列表转换
func NewAccountListResp(accounts []model.Account, total int64, now time.Time) AccountListResp {
	list := make([]AccountResp, 0, len(accounts))
	for i := range accounts {
		list = append(list, NewAccountResp(&accounts[i], now))
	}
	return AccountListResp{Total: total, List: list}
}

func tokenStatus(acc *model.Account, now time.Time) string {
	switch {
	case acc.Status == model.AccountStatusDisconnected || acc.AccessToken == "":
		return TokenStatusDisconnected
	case acc.Status == model.AccountStatusExpired || !now.Before(acc.TokenExpiresAt):
		return TokenStatusExpired
	case acc.TokenExpiresAt.Sub(now) < tokenExpiringWindow:
		return TokenStatusExpiring
	default:
		return TokenStatusValid
	}
}

// ================== Sync DTO ==================

// SyncReportResp 批量同步结果
type SyncReportResp struct {
	Due         int    `json:"due"`
	Batches     int    `json:"batches"`
	Succeeded   int    `json:"succeeded"`
	Failed      int    `json:"failed"`
	TokenFailed int    `json:"token_failed"`
	Skipped     int    `json:"skipped"`
	Released    int64  `json:"released"`
	Duration    string `json:"duration"`
}
