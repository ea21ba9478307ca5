package task

import (
	"context"
	"time"

	"go.uber.org/zap"

	"meli_sync_v1/internal/service"
)

// ==================== SyncTask 批量同步任务 ====================

// SyncTask 定时同步所有到期账号
// 分批、批间间隔和单账号失败隔离由 SyncService.RunDue 负责
// 每轮先释放卡在 syncing 的账号
type SyncTask struct {
	syncService *service.SyncService
	staleAfter  time.Duration
	logger      *zap.SugaredLogger
}

// NewSyncTask 创建批量同步任务
func NewSyncTask(syncService *service.SyncService, staleAfter time.Duration, logger *zap.SugaredLogger) *SyncTask {
	if staleAfter <= 0 {
		staleAfter = time.Hour
	}
	return &SyncTask{
		syncService: syncService,
		staleAfter:  staleAfter,
		logger:      logger.With("task", "sync_all"),
	}
}

func (t *SyncTask) Name() string { return "sync_all" }

// Run 由 cron 调用，错误只记日志
func (t *SyncTask) Run(ctx context.Context) {
	if _, err := t.RunNow(ctx); err != nil {
		t.logger.Errorw("批量同步失败", "error", err)
	}
}

// RunNow 立即执行一轮
func (t *SyncTask) RunNow(ctx context.Context) (*service.SyncReport, error) {
	released, err := t.syncService.ReleaseStale(ctx, t.staleAfter)
	if err != nil {
		// 释放失败不影响本轮同步
		t.logger.Warnw("释放中断的同步失败", "error", err)
	}

	report, err := t.syncService.RunDue(ctx)
	if err != nil {
		return nil, err
	}
	report.Released = released
	return report, nil
}
