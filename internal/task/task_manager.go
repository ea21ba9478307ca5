package task

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"meli_sync_v1/internal/config"
	"meli_sync_v1/internal/repository"
	"meli_sync_v1/internal/service"
)

// ==================== TaskManager 定时任务管理器 ====================

// Job 可被调度的任务
type Job interface {
	Name() string
	Run(ctx context.Context)
}

// TaskManager 统一管理定时任务
// 所有任务共用一个 cron，同一任务上一轮未结束时跳过本轮
type TaskManager struct {
	cron   *cron.Cron
	logger *zap.SugaredLogger

	syncTask    *SyncTask
	tokenTask   *TokenTask
	eventTask   *EventTask
	cleanupTask *CleanupTask
	healthTask  *HealthTask

	schedules map[string]string
	timeouts  map[string]time.Duration
}

// TaskManagerDeps 任务管理器依赖
type TaskManagerDeps struct {
	// Repositories
	AccountRepo repository.AccountRepository
	EventRepo   repository.WebhookEventRepository

	// Services
	TokenService *service.TokenService
	SyncService  *service.SyncService
	EventService *service.EventService
}

// NewTaskManager 创建任务管理器，cron 表达式为空的任务不启用
func NewTaskManager(deps *TaskManagerDeps, cfg *config.Config, logger *zap.SugaredLogger) *TaskManager {
	log := logger.With("component", "task")
	cl := cronLogger{log}

	tm := &TaskManager{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger:    log,
		schedules: make(map[string]string),
		timeouts:  make(map[string]time.Duration),
	}

	// 批量同步
	if cfg.Cron.SyncAll != "" && deps.SyncService != nil {
		tm.syncTask = NewSyncTask(deps.SyncService, cfg.Sync.StaleAfter, log)
		tm.schedule(tm.syncTask, cfg.Cron.SyncAll, 30*time.Minute)
	}

	// Token 保活
	if cfg.Cron.TokenRefresh != "" && deps.TokenService != nil {
		tm.tokenTask = NewTokenTask(deps.AccountRepo, deps.TokenService, log)
		tm.tokenTask.SetConcurrency(cfg.Sync.RefreshParallel, 50*time.Millisecond)
		tm.tokenTask.SetSkew(cfg.Sync.RefreshSkew)
		tm.schedule(tm.tokenTask, cfg.Cron.TokenRefresh, 10*time.Minute)
	}

	// 事件处理
	if cfg.Cron.Events != "" && deps.EventService != nil {
		tm.eventTask = NewEventTask(deps.EventService, cfg.Events.BatchSize, cfg.Events.StuckAfter, log)
		tm.schedule(tm.eventTask, cfg.Cron.Events, 5*time.Minute)
	}

	// 清理
	if cfg.Cron.Cleanup != "" {
		tm.cleanupTask = NewCleanupTask(deps.AccountRepo, deps.EventRepo, log)
		if cfg.Events.Retention > 0 {
			tm.cleanupTask.SetRetention(cfg.Events.Retention)
		}
		tm.schedule(tm.cleanupTask, cfg.Cron.Cleanup, 10*time.Minute)
	}

	// 健康快照
	if cfg.Cron.Health != "" {
		tm.healthTask = NewHealthTask(deps.AccountRepo, deps.EventRepo, log)
		tm.schedule(tm.healthTask, cfg.Cron.Health, time.Minute)
	}

	return tm
}

func (tm *TaskManager) schedule(job Job, spec string, timeout time.Duration) {
	tm.schedules[job.Name()] = spec
	tm.timeouts[job.Name()] = timeout
}

// ==================== 生命周期管理 ====================

// Start 注册并启动所有任务，任一表达式非法时返回错误且不启动
func (tm *TaskManager) Start() error {
	tm.logger.Info("正在启动定时任务...")

	for _, job := range tm.jobs() {
		name := job.Name()
		spec := tm.schedules[name]
		timeout := tm.timeouts[name]

		j := job
		if _, err := tm.cron.AddFunc(spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			j.Run(ctx)
		}); err != nil {
			return fmt.Errorf("任务 %s 的 cron 表达式 %q 无效: %w", name, spec, err)
		}
		tm.logger.Infow("任务已注册", "task", name, "spec", spec)
	}

	tm.cron.Start()
	tm.logger.Info("定时任务已全部启动")
	return nil
}

// Stop 停止调度并等待正在执行的任务结束
func (tm *TaskManager) Stop(ctx context.Context) {
	tm.logger.Info("正在停止定时任务...")
	select {
	case <-tm.cron.Stop().Done():
		tm.logger.Info("定时任务已全部停止")
	case <-ctx.Done():
		tm.logger.Warn("等待定时任务结束超时")
	}
}

func (tm *TaskManager) jobs() []Job {
	var jobs []Job
	if tm.syncTask != nil {
		jobs = append(jobs, tm.syncTask)
	}
	if tm.tokenTask != nil {
		jobs = append(jobs, tm.tokenTask)
	}
	if tm.eventTask != nil {
		jobs = append(jobs, tm.eventTask)
	}
	if tm.cleanupTask != nil {
		jobs = append(jobs, tm.cleanupTask)
	}
	if tm.healthTask != nil {
		jobs = append(jobs, tm.healthTask)
	}
	return jobs
}

// ==================== 手动触发接口 ====================

// TriggerSyncAll 立即执行一轮批量同步
func (tm *TaskManager) TriggerSyncAll(ctx context.Context) (*service.SyncReport, error) {
	if tm.syncTask == nil {
		return nil, ErrTaskDisabled
	}
	return tm.syncTask.RunNow(ctx)
}

// TriggerTokenRefresh 立即执行一轮 Token 保活
func (tm *TaskManager) TriggerTokenRefresh(ctx context.Context) (*TokenReport, error) {
	if tm.tokenTask == nil {
		return nil, ErrTaskDisabled
	}
	return tm.tokenTask.RunNow(ctx)
}

// TriggerEvents 立即处理待处理事件
func (tm *TaskManager) TriggerEvents(ctx context.Context) (*service.ProcessReport, error) {
	if tm.eventTask == nil {
		return nil, ErrTaskDisabled
	}
	return tm.eventTask.RunNow(ctx)
}

// ==================== 状态查询 ====================

// Status 获取任务启用状态
func (tm *TaskManager) Status() map[string]bool {
	return map[string]bool{
		"sync_all":      tm.syncTask != nil,
		"token_refresh": tm.tokenTask != nil,
		"events":        tm.eventTask != nil,
		"cleanup":       tm.cleanupTask != nil,
		"health":        tm.healthTask != nil,
	}
}

// ==================== 错误定义 ====================

type TaskError string

func (e TaskError) Error() string { return string(e) }

const (
	ErrTaskDisabled TaskError = "task is disabled"
)

// cronLogger 把 cron 内部日志转到 zap
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
