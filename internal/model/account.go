package model

import (
	"time"

	"gorm.io/datatypes"
)

// ==================== 账号状态 ====================

// AccountStatus 账号生命周期状态
type AccountStatus string

const (
	AccountStatusActive       AccountStatus = "active"       // 正常
	AccountStatusPaused       AccountStatus = "paused"       // 用户暂停同步
	AccountStatusSyncing      AccountStatus = "syncing"      // 同步中 (同一账号互斥标记)
	AccountStatusExpired      AccountStatus = "expired"      // Token 刷新失败，需重新授权
	AccountStatusError        AccountStatus = "error"        // 最近一次同步失败
	AccountStatusDisconnected AccountStatus = "disconnected" // 已解绑，Token 已清空
)

// accountTransitions 合法状态迁移表
var accountTransitions = map[AccountStatus][]AccountStatus{
	AccountStatusActive:       {AccountStatusSyncing, AccountStatusPaused, AccountStatusExpired, AccountStatusError, AccountStatusDisconnected},
	AccountStatusSyncing:      {AccountStatusActive, AccountStatusError, AccountStatusExpired, AccountStatusDisconnected},
	AccountStatusPaused:       {AccountStatusActive, AccountStatusExpired, AccountStatusDisconnected},
	AccountStatusExpired:      {AccountStatusActive, AccountStatusDisconnected},
	AccountStatusError:        {AccountStatusActive, AccountStatusSyncing, AccountStatusExpired, AccountStatusPaused, AccountStatusDisconnected},
	AccountStatusDisconnected: {AccountStatusActive},
}

// CanTransitionTo 判断状态迁移是否合法，原地迁移视为合法
func (s AccountStatus) CanTransitionTo(to AccountStatus) bool {
	if s == to {
		return true
	}
	for _, next := range accountTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// SyncStatus 最近一次同步结果
type SyncStatus string

const (
	SyncStatusNone       SyncStatus = ""
	SyncStatusSuccess    SyncStatus = "success"
	SyncStatusFailed     SyncStatus = "failed"
	SyncStatusInProgress SyncStatus = "in_progress"
)

// DefaultSyncInterval 账号未设置同步间隔时使用
const DefaultSyncInterval = 5 * time.Minute

// ==================== 账号模型 ====================

// Account 已授权的 Mercado Livre 卖家账号
type Account struct {
	BaseModel

	// 1. 身份
	AccountID         string `gorm:"size:64;uniqueIndex;not null" json:"account_id"`
	OwnerUserID       int64  `gorm:"index;not null" json:"owner_user_id"`
	MarketplaceUserID int64  `gorm:"uniqueIndex;not null" json:"marketplace_user_id"`
	Nickname          string `gorm:"size:100" json:"nickname"`
	SiteID            string `gorm:"size:10" json:"site_id"` // MLB / MLA / MLM ...
	IsPrimary         bool   `gorm:"default:false" json:"is_primary"`

	// 2. Token
	// 三个字段只能通过 AccountRepository.UpdateToken 一次性更新
	AccessToken    string    `gorm:"size:512" json:"-"`
	RefreshToken   string    `gorm:"size:512" json:"-"`
	TokenExpiresAt time.Time `json:"token_expires_at"`
	// 最近一次 Token 刷新失败是否可重试 (网络/5xx)
	TokenRetryable bool `gorm:"default:false" json:"-"`

	// 3. 状态
	Status AccountStatus `gorm:"size:20;index;default:'active'" json:"status"`

	// 4. 同步元数据
	LastSyncAt     *time.Time `json:"last_sync_at"`
	LastSyncStatus SyncStatus `gorm:"size:20" json:"last_sync_status"`
	LastSyncError  string     `gorm:"type:text" json:"last_sync_error"`
	SyncEnabled    bool       `gorm:"default:true" json:"sync_enabled"`
	SyncIntervalMs int64      `gorm:"default:300000" json:"sync_interval_ms"`

	// 5. 错误记录 (最多保留 MaxErrorHistory 条)
	ErrorHistory datatypes.JSONType[ErrorHistory] `json:"error_history"`
	ErrorCount   int                              `gorm:"default:0" json:"error_count"`

	// 6. 概要缓存
	CachedData datatypes.JSONType[CachedData] `json:"cached_data"`
}

func (Account) TableName() string {
	return "accounts"
}

// CachedData 同步得到的账号概要
type CachedData struct {
	Products    int       `json:"products"`
	Orders      int       `json:"orders"`
	Issues      int       `json:"issues"`
	LastUpdated time.Time `json:"last_updated"`
}

// SyncInterval 账号同步间隔
func (a *Account) SyncInterval() time.Duration {
	if a.SyncIntervalMs <= 0 {
		return DefaultSyncInterval
	}
	return time.Duration(a.SyncIntervalMs) * time.Millisecond
}

// IsDueForSync 是否到了同步时间
func (a *Account) IsDueForSync(now time.Time) bool {
	if !a.SyncEnabled || a.Status != AccountStatusActive {
		return false
	}
	if a.LastSyncAt == nil {
		return true
	}
	return now.Sub(*a.LastSyncAt) >= a.SyncInterval()
}

// IsConnected 账号仍持有可用授权
// expired / disconnected 需要用户重新授权
func (a *Account) IsConnected() bool {
	if a.AccessToken == "" {
		return false
	}
	return a.Status != AccountStatusExpired && a.Status != AccountStatusDisconnected
}

// RecordError 追加一条错误记录，超出上限时丢弃最旧的
func (a *Account) RecordError(message string, httpStatus int, at time.Time) {
	history := a.ErrorHistory.Data()
	history.Push(ErrorEntry{Message: message, HTTPStatus: httpStatus, Timestamp: at})
	a.ErrorHistory = datatypes.NewJSONType(history)
	a.ErrorCount++
}
