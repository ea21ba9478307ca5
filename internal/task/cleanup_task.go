package task

import (
	"context"
	"time"

	"go.uber.org/zap"

	"meli_sync_v1/internal/model"
	"meli_sync_v1/internal/repository"
)

// CleanupReport 一轮清理结果
type CleanupReport struct {
	ErrorsReset     int64 `json:"errors_reset"`
	SyncingReleased int64 `json:"syncing_released"`
	EventsDeleted   int64 `json:"events_deleted"`
}

// CleanupTask 每日维护
//  1. error 超过 errorAge 且开启同步的账号恢复为 active，交给调度器重试
//  2. 异常退出遗留的 syncing 标记释放
//  3. 删除超过保留期的事件
type CleanupTask struct {
	accountRepo repository.AccountRepository
	eventRepo   repository.WebhookEventRepository
	logger      *zap.SugaredLogger

	errorAge   time.Duration
	syncingAge time.Duration
	retention  time.Duration
	now        func() time.Time
}

func NewCleanupTask(accountRepo repository.AccountRepository, eventRepo repository.WebhookEventRepository, logger *zap.SugaredLogger) *CleanupTask {
	return &CleanupTask{
		accountRepo: accountRepo,
		eventRepo:   eventRepo,
		logger:      logger.With("task", "cleanup"),
		errorAge:    24 * time.Hour,
		syncingAge:  time.Hour,
		retention:   model.EventRetention,
		now:         time.Now,
	}
}

// SetRetention 事件保留时长
func (t *CleanupTask) SetRetention(d time.Duration) {
	t.retention = d
}

func (t *CleanupTask) Name() string { return "cleanup" }

func (t *CleanupTask) Run(ctx context.Context) {
	t.RunNow(ctx)
}

// RunNow 三个步骤互不依赖，单步失败只记日志
func (t *CleanupTask) RunNow(ctx context.Context) *CleanupReport {
	now := t.now()
	report := &CleanupReport{}
	var err error

	if report.ErrorsReset, err = t.accountRepo.ResetStaleErrors(ctx, now.Add(-t.errorAge)); err != nil {
		t.logger.Errorw("重置 error 账号失败", "error", err)
	}
	if report.SyncingReleased, err = t.accountRepo.ReleaseStaleSyncing(ctx, now.Add(-t.syncingAge)); err != nil {
		t.logger.Errorw("释放 syncing 标记失败", "error", err)
	}
	if report.EventsDeleted, err = t.eventRepo.DeleteOlderThan(ctx, now.Add(-t.retention)); err != nil {
		t.logger.Errorw("删除过期事件失败", "error", err)
	}

	t.logger.Infow("每日清理完成",
		"errors_reset", report.ErrorsReset,
		"syncing_released", report.SyncingReleased,
		"events_deleted", report.EventsDeleted,
	)
	return report
}
