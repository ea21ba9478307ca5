package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"meli_sync_v1/internal/model"
)

// ==================== 接口定义 ====================

// WebhookEventRepository 事件日志仓储接口
type WebhookEventRepository interface {
	Create(ctx context.Context, ev *model.WebhookEvent) error
	GetByEventID(ctx context.Context, eventID string) (*model.WebhookEvent, error)
	ExistsPending(ctx context.Context, marketplaceUserID int64, topic model.Topic, resource string) (bool, error)
	List(ctx context.Context, filter EventFilter) ([]model.WebhookEvent, int64, error)

	// 处理流程
	ListPending(ctx context.Context, maxRetries, limit int) ([]model.WebhookEvent, error)
	Claim(ctx context.Context, id int64, maxRetries int) (bool, error)
	MarkProcessed(ctx context.Context, ev *model.WebhookEvent) error
	MarkFailed(ctx context.Context, id int64, reason string) error
	Requeue(ctx context.Context, eventID string) error

	// 运维
	RecoverStuck(ctx context.Context, olderThan time.Time) (int64, error)
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
	CountByStatus(ctx context.Context) (map[model.EventStatus]int64, error)
}

// EventFilter 事件过滤条件
type EventFilter struct {
	OwnerUserID int64
	AccountID   string
	Topic       model.Topic
	Status      model.EventStatus
	Page        int
	PageSize    int
}

type webhookEventRepo struct {
	db *gorm.DB
}

// NewWebhookEventRepository 创建事件仓储
func NewWebhookEventRepository(db *gorm.DB) WebhookEventRepository {
	return &webhookEventRepo{db: db}
}

func (r *webhookEventRepo) Create(ctx context.Context, ev *model.WebhookEvent) error {
	return r.db.WithContext(ctx).Create(ev).Error
}

func (r *webhookEventRepo) GetByEventID(ctx context.Context, eventID string) (*model.WebhookEvent, error) {
	var ev model.WebhookEvent
	if err := r.db.WithContext(ctx).Where("event_id = ?", eventID).First(&ev).Error; err != nil {
		return nil, err
	}
	return &ev, nil
}

// ExistsPending 同一资源是否已有未开始处理的通知
// Mercado Livre 会对同一资源重复推送，处理时总是拉取最新数据，重复的可以直接丢弃
func (r *webhookEventRepo) ExistsPending(ctx context.Context, marketplaceUserID int64, topic model.Topic, resource string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.WebhookEvent{}).
		Where("marketplace_user_id = ? AND topic = ? AND resource = ? AND status = ?",
			marketplaceUserID, topic, resource, model.EventStatusReceived).
		Count(&count).Error
	return count > 0, err
}

func (r *webhookEventRepo) List(ctx context.Context, filter EventFilter) ([]model.WebhookEvent, int64, error) {
	var events []model.WebhookEvent
	var total int64

	query := r.db.WithContext(ctx).Model(&model.WebhookEvent{})

	if filter.OwnerUserID > 0 {
		query = query.Where("owner_user_id = ?", filter.OwnerUserID)
	}
	if filter.AccountID != "" {
		query = query.Where("account_id = ?", filter.AccountID)
	}
	if filter.Topic != "" {
		query = query.Where("topic = ?", filter.Topic)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
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
	if err := query.Order("created_at DESC, id DESC").Limit(filter.PageSize).Offset(offset).Find(&events).Error; err != nil {
		return nil, 0, err
	}

	return events, total, nil
}

// ListPending 待处理事件：received，或 failed 且未耗尽重试次数；按创建时间从旧到新
func (r *webhookEventRepo) ListPending(ctx context.Context, maxRetries, limit int) ([]model.WebhookEvent, error) {
	var events []model.WebhookEvent
	err := r.db.WithContext(ctx).
		Scopes(transitionInto(model.EventStatusProcessing, maxRetries)).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

// Claim 条件更新抢占事件，成功返回 true
// 只有 received 或可重试的 failed 能进入 processing
func (r *webhookEventRepo) Claim(ctx context.Context, id int64, maxRetries int) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&model.WebhookEvent{}).
		Where("id = ?", id).
		Scopes(transitionInto(model.EventStatusProcessing, maxRetries)).
		Update("status", model.EventStatusProcessing)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// MarkProcessed processing -> processed，写入拉取到的资源
func (r *webhookEventRepo) MarkProcessed(ctx context.Context, ev *model.WebhookEvent) error {
	processedAt := time.Now()
	if ev.ProcessedAt != nil {
		processedAt = *ev.ProcessedAt
	}
	result := r.db.WithContext(ctx).
		Model(&model.WebhookEvent{}).
		Where("id = ?", ev.ID).
		Scopes(transitionInto(model.EventStatusProcessed, 0)).
		Updates(map[string]interface{}{
			"status":        model.EventStatusProcessed,
			"payload":       ev.Payload,
			"account_id":    ev.AccountID,
			"owner_user_id": ev.OwnerUserID,
			"process_error": "",
			"processed_at":  processedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// MarkFailed processing -> failed，retry_count 加一
func (r *webhookEventRepo) MarkFailed(ctx context.Context, id int64, reason string) error {
	result := r.db.WithContext(ctx).
		Model(&model.WebhookEvent{}).
		Where("id = ?", id).
		Scopes(transitionInto(model.EventStatusFailed, 0)).
		Updates(map[string]interface{}{
			"status":        model.EventStatusFailed,
			"retry_count":   gorm.Expr("retry_count + 1"),
			"process_error": reason,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// Requeue 人工重置终态失败的事件
func (r *webhookEventRepo) Requeue(ctx context.Context, eventID string) error {
	result := r.db.WithContext(ctx).
		Model(&model.WebhookEvent{}).
		Where("event_id = ?", eventID).
		Scopes(transitionInto(model.EventStatusReceived, 0)).
		Updates(map[string]interface{}{
			"status":      model.EventStatusReceived,
			"retry_count": 0,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// RecoverStuck 进程崩溃后停留在 processing 的事件转为 failed，并计入重试次数
func (r *webhookEventRepo) RecoverStuck(ctx context.Context, olderThan time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&model.WebhookEvent{}).
		Where("updated_at < ?", olderThan).
		Scopes(transitionInto(model.EventStatusFailed, 0)).
		Updates(map[string]interface{}{
			"status":        model.EventStatusFailed,
			"retry_count":   gorm.Expr("retry_count + 1"),
			"process_error": "processing_timeout",
		})
	return result.RowsAffected, result.Error
}

// transitionInto 按状态机生成迁入 to 的条件
func transitionInto(to model.EventStatus, maxRetries int) func(*gorm.DB) *gorm.DB {
	rule := model.TransitionInto(to)
	return func(db *gorm.DB) *gorm.DB {
		switch {
		case len(rule.From) == 0 && len(rule.RetryBounded) == 0:
			return db.Where("1 = 0")
		case len(rule.RetryBounded) == 0:
			return db.Where("status IN ?", rule.From)
		case len(rule.From) == 0:
			return db.Where("status IN ? AND retry_count < ?", rule.RetryBounded, maxRetries)
		default:
			return db.Where("(status IN ? OR (status IN ? AND retry_count < ?))", rule.From, rule.RetryBounded, maxRetries)
		}
	}
}

// DeleteOlderThan 删除超过保留期的事件
func (r *webhookEventRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("created_at < ?", before).
		Delete(&model.WebhookEvent{})
	return result.RowsAffected, result.Error
}

func (r *webhookEventRepo) CountByStatus(ctx context.Context) (map[model.EventStatus]int64, error) {
	var rows []struct {
		Status model.EventStatus
		Total  int64
	}
	if err := r.db.WithContext(ctx).
		Model(&model.WebhookEvent{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	counts := make(map[model.EventStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Total
	}
	return counts, nil
}
