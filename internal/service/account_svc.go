package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"meli_sync_v1/internal/model"
	"meli_sync_v1/internal/repository"
)

// 手动设置同步间隔的下限
const minSyncInterval = time.Minute

// AccountCache 账号级缓存清理
type AccountCache interface {
	InvalidateAccount(ctx context.Context, accountID string) int
}

var _ AccountCache = (*CacheService)(nil)

// AccountService 账号管理 (面向前端)
type AccountService struct {
	accountRepo repository.AccountRepository
	eventRepo   repository.WebhookEventRepository
	cache       AccountCache
	logger      *zap.SugaredLogger
}

func NewAccountService(
	accountRepo repository.AccountRepository,
	eventRepo repository.WebhookEventRepository,
	cache AccountCache,
	logger *zap.SugaredLogger,
) *AccountService {
	return &AccountService{
		accountRepo: accountRepo,
		eventRepo:   eventRepo,
		cache:       cache,
		logger:      logger.With("component", "account"),
	}
}

// ==================== 查询 ====================

// ListAccounts 只返回当前用户的账号
func (s *AccountService) ListAccounts(ctx context.Context, ownerUserID int64, filter repository.AccountFilter) ([]model.Account, int64, error) {
	filter.OwnerUserID = ownerUserID
	return s.accountRepo.List(ctx, filter)
}

// GetAccount 查询账号并校验归属
func (s *AccountService) GetAccount(ctx context.Context, ownerUserID int64, accountID string) (*model.Account, error) {
	acc, err := s.accountRepo.GetByAccountID(ctx, accountID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	if acc.OwnerUserID != ownerUserID {
		return nil, ErrForbidden
	}
	return acc, nil
}

// ==================== 状态操作 ====================

// Pause 暂停同步
func (s *AccountService) Pause(ctx context.Context, ownerUserID int64, accountID string) (*model.Account, error) {
	return s.transition(ctx, ownerUserID, accountID, model.AccountStatusPaused)
}

// Resume 恢复同步
func (s *AccountService) Resume(ctx context.Context, ownerUserID int64, accountID string) (*model.Account, error) {
	acc, err := s.GetAccount(ctx, ownerUserID, accountID)
	if err != nil {
		return nil, err
	}
	if acc.Status != model.AccountStatusPaused {
		return nil, ErrInvalidStatus
	}
	return s.transition(ctx, ownerUserID, accountID, model.AccountStatusActive)
}

func (s *AccountService) transition(ctx context.Context, ownerUserID int64, accountID string, to model.AccountStatus) (*model.Account, error) {
	acc, err := s.GetAccount(ctx, ownerUserID, accountID)
	if err != nil {
		return nil, err
	}
	// syncing 由同步任务自己结束，不允许外部打断
	if acc.Status == model.AccountStatusSyncing || !acc.Status.CanTransitionTo(to) {
		return nil, ErrInvalidStatus
	}

	if err := s.accountRepo.UpdateFields(ctx, accountID, map[string]interface{}{"status": to}); err != nil {
		return nil, err
	}
	s.logger.Infow("账号状态变更", "account_id", accountID, "from", acc.Status, "to", to)
	acc.Status = to
	return acc, nil
}

// SyncSettings 可修改的同步设置，nil 表示不修改
type SyncSettings struct {
	SyncEnabled    *bool  `json:"sync_enabled"`
	SyncIntervalMs *int64 `json:"sync_interval_ms"`
}

// UpdateSettings 修改同步开关和间隔
func (s *AccountService) UpdateSettings(ctx context.Context, ownerUserID int64, accountID string, in SyncSettings) (*model.Account, error) {
	acc, err := s.GetAccount(ctx, ownerUserID, accountID)
	if err != nil {
		return nil, err
	}

	fields := make(map[string]interface{})
	if in.SyncEnabled != nil {
		fields["sync_enabled"] = *in.SyncEnabled
		acc.SyncEnabled = *in.SyncEnabled
	}
	if in.SyncIntervalMs != nil {
		if time.Duration(*in.SyncIntervalMs)*time.Millisecond < minSyncInterval {
			return nil, ErrInvalidInterval
		}
		fields["sync_interval_ms"] = *in.SyncIntervalMs
		acc.SyncIntervalMs = *in.SyncIntervalMs
	}
	if len(fields) == 0 {
		return acc, nil
	}

	if err := s.accountRepo.UpdateFields(ctx, accountID, fields); err != nil {
		return nil, err
	}
	return acc, nil
}

// SetPrimary 设为主账号
func (s *AccountService) SetPrimary(ctx context.Context, ownerUserID int64, accountID string) error {
	acc, err := s.GetAccount(ctx, ownerUserID, accountID)
	if err != nil {
		return err
	}
	if acc.Status == model.AccountStatusDisconnected {
		return ErrInvalidStatus
	}
	return s.accountRepo.SetPrimary(ctx, ownerUserID, accountID)
}

// Disconnect 解绑：清空 Token 和缓存，保留账号记录与事件
func (s *AccountService) Disconnect(ctx context.Context, ownerUserID int64, accountID string) error {
	if _, err := s.GetAccount(ctx, ownerUserID, accountID); err != nil {
		return err
	}
	if err := s.accountRepo.Disconnect(ctx, accountID); err != nil {
		return err
	}
	removed := s.cache.InvalidateAccount(ctx, accountID)
	s.logger.Infow("账号已解绑", "account_id", accountID, "cache_removed", removed)
	return nil
}

// Delete 彻底删除账号
func (s *AccountService) Delete(ctx context.Context, ownerUserID int64, accountID string) error {
	if _, err := s.GetAccount(ctx, ownerUserID, accountID); err != nil {
		return err
	}
	if err := s.accountRepo.Delete(ctx, accountID); err != nil {
		return err
	}
	s.cache.InvalidateAccount(ctx, accountID)
	s.logger.Infow("账号已删除", "account_id", accountID)
	return nil
}

// ==================== 事件 ====================

// ListEvents 当前用户的事件列表
func (s *AccountService) ListEvents(ctx context.Context, ownerUserID int64, filter repository.EventFilter) ([]model.WebhookEvent, int64, error) {
	filter.OwnerUserID = ownerUserID
	return s.eventRepo.List(ctx, filter)
}

// RequeueEvent 重置已失败的事件，重新进入处理队列
func (s *AccountService) RequeueEvent(ctx context.Context, ownerUserID int64, eventID string) error {
	ev, err := s.eventRepo.GetByEventID(ctx, eventID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrEventNotFound
		}
		return err
	}
	if ev.OwnerUserID != ownerUserID {
		return ErrForbidden
	}
	if !ev.Status.CanTransition(model.EventStatusReceived, ev.RetryCount, model.MaxEventRetries) {
		return ErrInvalidStatus
	}
	if err := s.eventRepo.Requeue(ctx, eventID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrInvalidStatus
		}
		return err
	}
	s.logger.Infow("事件已重新入队", "event_id", eventID)
	return nil
}
