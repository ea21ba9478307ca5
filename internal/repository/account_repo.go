package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"meli_sync_v1/internal/model"
)

// ErrAccountBusy 账号正被其他同步任务占用
var ErrAccountBusy = errors.New("account is being synced by another run")

// ==================== 接口定义 ====================

// AccountRepository 账号仓储接口
type AccountRepository interface {
	Create(ctx context.Context, acc *model.Account) error
	GetByAccountID(ctx context.Context, accountID string) (*model.Account, error)
	GetByMarketplaceUserID(ctx context.Context, marketplaceUserID int64) (*model.Account, error)
	Update(ctx context.Context, acc *model.Account) error
	UpdateFields(ctx context.Context, accountID string, fields map[string]interface{}) error
	Delete(ctx context.Context, accountID string) error

	// 列表查询
	List(ctx context.Context, filter AccountFilter) ([]model.Account, int64, error)
	ListByOwner(ctx context.Context, ownerUserID int64) ([]model.Account, error)
	ListSyncCandidates(ctx context.Context) ([]model.Account, error)
	ListTokenRefreshCandidates(ctx context.Context, expiresBefore time.Time) ([]model.Account, error)

	// Token
	UpdateToken(ctx context.Context, accountID, accessToken, refreshToken string, expiresAt time.Time) error
	Reactivate(ctx context.Context, accountID string, fields map[string]interface{}) error

	// 同步互斥
	ClaimSync(ctx context.Context, accountID string) error
	FinishSync(ctx context.Context, accountID string, status model.AccountStatus, fields map[string]interface{}) error

	// 错误记录
	AppendError(ctx context.Context, accountID string, entry model.ErrorEntry, fields map[string]interface{}) error

	// 主账号 / 解绑
	SetPrimary(ctx context.Context, ownerUserID int64, accountID string) error
	Disconnect(ctx context.Context, accountID string) error

	// 运维
	ResetStaleErrors(ctx context.Context, olderThan time.Time) (int64, error)
	ReleaseStaleSyncing(ctx context.Context, olderThan time.Time) (int64, error)
	CountByStatus(ctx context.Context) (map[model.AccountStatus]int64, error)
}

// ==================== 过滤条件 ====================

// AccountFilter 账号过滤条件
type AccountFilter struct {
	OwnerUserID int64
	Status      model.AccountStatus // 空表示不筛选
	Nickname    string
	Page        int
	PageSize    int
}

// ==================== 仓储实现 ====================

type accountRepo struct {
	db *gorm.DB
}

// NewAccountRepository 创建账号仓储
func NewAccountRepository(db *gorm.DB) AccountRepository {
	return &accountRepo{db: db}
}

// Create 新建账号；新账号为主账号时，同一用户下其他账号取消主账号标记
func (r *accountRepo) Create(ctx context.Context, acc *model.Account) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if acc.IsPrimary {
			if err := tx.Model(&model.Account{}).
				Where("owner_user_id = ? AND is_primary = ?", acc.OwnerUserID, true).
				Update("is_primary", false).Error; err != nil {
				return err
			}
		}
		return tx.Create(acc).Error
	})
}

func (r *accountRepo) GetByAccountID(ctx context.Context, accountID string) (*model.Account, error) {
	var acc model.Account
	if err := r.db.WithContext(ctx).Where("account_id = ?", accountID).First(&acc).Error; err != nil {
		return nil, err
	}
	return &acc, nil
}

func (r *accountRepo) GetByMarketplaceUserID(ctx context.Context, marketplaceUserID int64) (*model.Account, error) {
	var acc model.Account
	if err := r.db.WithContext(ctx).Where("marketplace_user_id = ?", marketplaceUserID).First(&acc).Error; err != nil {
		return nil, err
	}
	return &acc, nil
}

func (r *accountRepo) Update(ctx context.Context, acc *model.Account) error {
	return r.db.WithContext(ctx).Save(acc).Error
}

func (r *accountRepo) UpdateFields(ctx context.Context, accountID string, fields map[string]interface{}) error {
	return r.db.WithContext(ctx).Model(&model.Account{}).Where("account_id = ?", accountID).Updates(fields).Error
}

// Delete 物理删除，仅用于用户主动移除账号
func (r *accountRepo) Delete(ctx context.Context, accountID string) error {
	return r.db.WithContext(ctx).Where("account_id = ?", accountID).Delete(&model.Account{}).Error
}

func (r *accountRepo) List(ctx context.Context, filter AccountFilter) ([]model.Account, int64, error) {
	var accounts []model.Account
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Account{})

	if filter.OwnerUserID > 0 {
		query = query.Where("owner_user_id = ?", filter.OwnerUserID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Nickname != "" {
		query = query.Where("nickname LIKE ?", "%"+filter.Nickname+"%")
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 {
		filter.PageSize = 20
	}

	offset := (filter.Page - 1) * filter.PageSize
	if err := query.Order("created_at DESC").Limit(filter.PageSize).Offset(offset).Find(&accounts).Error; err != nil {
		return nil, 0, err
	}

	return accounts, total, nil
}

func (r *accountRepo) ListByOwner(ctx context.Context, ownerUserID int64) ([]model.Account, error) {
	var accounts []model.Account
	err := r.db.WithContext(ctx).
		Where("owner_user_id = ?", ownerUserID).
		Order("is_primary DESC, id ASC").
		Find(&accounts).Error
	return accounts, err
}

// ListSyncCandidates 开启同步且状态为 active 的账号
// 同步间隔按账号各自的 sync_interval_ms 判断，由调用方用 IsDueForSync 过滤
func (r *accountRepo) ListSyncCandidates(ctx context.Context) ([]model.Account, error) {
	var accounts []model.Account
	err := r.db.WithContext(ctx).
		Where("sync_enabled = ? AND status = ?", true, model.AccountStatusActive).
		Order("last_sync_at IS NOT NULL, last_sync_at ASC, id ASC").
		Find(&accounts).Error
	return accounts, err
}

// ListTokenRefreshCandidates 即将过期或已过期、且仍可刷新的账号
// expired 状态只有在上次失败可重试时才再次尝试
func (r *accountRepo) ListTokenRefreshCandidates(ctx context.Context, expiresBefore time.Time) ([]model.Account, error) {
	var accounts []model.Account
	err := r.db.WithContext(ctx).
		Where("refresh_token <> ''").
		Where("token_expires_at < ?", expiresBefore).
		Where("(status IN ? OR (status = ? AND token_retryable = ?))",
			[]model.AccountStatus{model.AccountStatusActive, model.AccountStatusPaused, model.AccountStatusError, model.AccountStatusSyncing},
			model.AccountStatusExpired, true).
		Order("token_expires_at ASC").
		Find(&accounts).Error
	return accounts, err
}

// UpdateToken 在一条 UPDATE 中写入 Token 三元组
// 同时清理 Token 相关错误；expired 账号恢复为 active
func (r *accountRepo) UpdateToken(ctx context.Context, accountID, accessToken, refreshToken string, expiresAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&model.Account{}).
		Where("account_id = ?", accountID).
		Updates(map[string]interface{}{
			"access_token":     accessToken,
			"refresh_token":    refreshToken,
			"token_expires_at": expiresAt,
			"token_retryable":  false,
			"status": gorm.Expr("CASE WHEN status = ? THEN ? ELSE status END",
				model.AccountStatusExpired, model.AccountStatusActive),
			"last_sync_error": gorm.Expr("CASE WHEN last_sync_error LIKE ? THEN '' ELSE last_sync_error END",
				"token_refresh_failed%"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ClaimSync 条件更新抢占同步权：active/error -> syncing
// 未抢到时返回 ErrAccountBusy
func (r *accountRepo) ClaimSync(ctx context.Context, accountID string) error {
	result := r.db.WithContext(ctx).
		Model(&model.Account{}).
		Where("account_id = ? AND status IN ?", accountID,
			[]model.AccountStatus{model.AccountStatusActive, model.AccountStatusError}).
		Updates(map[string]interface{}{
			"status":           model.AccountStatusSyncing,
			"last_sync_status": model.SyncStatusInProgress,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAccountBusy
	}
	return nil
}

// FinishSync 写入同步结果并释放 syncing 标记
// 同步期间状态已被改写 (例如 Token 刷新失败置为 expired) 时保留该状态，只写同步元数据
func (r *accountRepo) FinishSync(ctx context.Context, accountID string, status model.AccountStatus, fields map[string]interface{}) error {
	withStatus := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		withStatus[k] = v
	}
	withStatus["status"] = status

	result := r.db.WithContext(ctx).
		Model(&model.Account{}).
		Where("account_id = ? AND status = ?", accountID, model.AccountStatusSyncing).
		Updates(withStatus)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 || len(fields) == 0 {
		return nil
	}
	return r.UpdateFields(ctx, accountID, fields)
}

// AppendError 追加错误记录并同时更新其他字段
// 错误记录是读-改-写，放在事务里完成
func (r *accountRepo) AppendError(ctx context.Context, accountID string, entry model.ErrorEntry, fields map[string]interface{}) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var acc model.Account
		if err := tx.Select("id", "error_history", "error_count").
			Where("account_id = ?", accountID).
			First(&acc).Error; err != nil {
			return err
		}

		acc.RecordError(entry.Message, entry.HTTPStatus, entry.Timestamp)

		updates := make(map[string]interface{}, len(fields)+2)
		for k, v := range fields {
			updates[k] = v
		}
		updates["error_history"] = datatypes.NewJSONType(acc.ErrorHistory.Data())
		updates["error_count"] = acc.ErrorCount

		return tx.Model(&model.Account{}).Where("id = ?", acc.ID).Updates(updates).Error
	})
}

// Reactivate 重新授权后写入账号字段并恢复为 active
// 正在同步的账号保留 syncing，由 FinishSync 释放
func (r *accountRepo) Reactivate(ctx context.Context, accountID string, fields map[string]interface{}) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&model.Account{}).Where("account_id = ?", accountID).Updates(fields)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.Model(&model.Account{}).
			Where("account_id = ? AND status <> ?", accountID, model.AccountStatusSyncing).
			Update("status", model.AccountStatusActive).Error
	})
}

// SetPrimary 设为主账号，同一用户下其他账号取消标记
func (r *accountRepo) SetPrimary(ctx context.Context, ownerUserID int64, accountID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var acc model.Account
		if err := tx.Where("account_id = ? AND owner_user_id = ?", accountID, ownerUserID).First(&acc).Error; err != nil {
			return err
		}
		if err := tx.Model(&model.Account{}).
			Where("owner_user_id = ? AND account_id <> ?", ownerUserID, accountID).
			Update("is_primary", false).Error; err != nil {
			return err
		}
		return tx.Model(&model.Account{}).Where("id = ?", acc.ID).Update("is_primary", true).Error
	})
}

// Disconnect 解绑：清空 Token，关闭同步，保留记录
func (r *accountRepo) Disconnect(ctx context.Context, accountID string) error {
	result := r.db.WithContext(ctx).
		Model(&model.Account{}).
		Where("account_id = ?", accountID).
		Updates(map[string]interface{}{
			"access_token":     "",
			"refresh_token":    "",
			"token_expires_at": time.Time{},
			"token_retryable":  false,
			"status":           model.AccountStatusDisconnected,
			"sync_enabled":     false,
			"is_primary":       false,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ResetStaleErrors 长时间停留在 error 的账号恢复为 active，让调度器重新尝试
func (r *accountRepo) ResetStaleErrors(ctx context.Context, olderThan time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&model.Account{}).
		Where("status = ? AND sync_enabled = ? AND updated_at < ?", model.AccountStatusError, true, olderThan).
		Update("status", model.AccountStatusActive)
	return result.RowsAffected, result.Error
}

// ReleaseStaleSyncing 进程崩溃遗留的 syncing 标记
func (r *accountRepo) ReleaseStaleSyncing(ctx context.Context, olderThan time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&model.Account{}).
		Where("status = ? AND updated_at < ?", model.AccountStatusSyncing, olderThan).
		Updates(map[string]interface{}{
			"status":           model.AccountStatusActive,
			"last_sync_status": model.SyncStatusFailed,
			"last_sync_error":  "sync_interrupted",
		})
	return result.RowsAffected, result.Error
}

func (r *accountRepo) CountByStatus(ctx context.Context) (map[model.AccountStatus]int64, error) {
	var rows []struct {
		Status model.AccountStatus
		Total  int64
	}
	if err := r.db.WithContext(ctx).
		Model(&model.Account{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	counts := make(map[model.AccountStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Total
	}
	return counts, nil
}
