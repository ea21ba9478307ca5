package task

import (
	"context"

	"go.uber.org/zap"

	"meli_sync_v1/internal/metrics"
	"meli_sync_v1/internal/model"
	"meli_sync_v1/internal/repository"
)

// HealthSnapshot 各状态数量
type HealthSnapshot struct {
	Accounts map[model.AccountStatus]int64 `json:"accounts"`
	Events   map[model.EventStatus]int64   `json:"events"`
}

// HealthTask 定期统计账号和事件状态，写日志并导出为 gauge
type HealthTask struct {
	accountRepo repository.AccountRepository
	eventRepo   repository.WebhookEventRepository
	logger      *zap.SugaredLogger
}

func NewHealthTask(accountRepo repository.AccountRepository, eventRepo repository.WebhookEventRepository, logger *zap.SugaredLogger) *HealthTask {
	return &HealthTask{
		accountRepo: accountRepo,
		eventRepo:   eventRepo,
		logger:      logger.With("task", "health"),
	}
}

func (t *HealthTask) Name() string { return "health" }

func (t *HealthTask) Run(ctx context.Context) {
	if _, err := t.RunNow(ctx); err != nil {
		t.logger.Errorw("健康统计失败", "error", err)
	}
}

func (t *HealthTask) RunNow(ctx context.Context) (*HealthSnapshot, error) {
	accounts, err := t.accountRepo.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	events, err := t.eventRepo.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}

	// 没有记录的状态也要归零，避免 gauge 停留在旧值
	for _, s := range []model.AccountStatus{
		model.AccountStatusActive, model.AccountStatusPaused, model.AccountStatusSyncing,
		model.AccountStatusExpired, model.AccountStatusError, model.AccountStatusDisconnected,
	} {
		metrics.AccountsByStatus.WithLabelValues(string(s)).Set(float64(accounts[s]))
	}
	for _, s := range []model.EventStatus{
		model.EventStatusReceived, model.EventStatusProcessing, model.EventStatusProcessed, model.EventStatusFailed,
	} {
		metrics.EventsByStatus.WithLabelValues(string(s)).Set(float64(events[s]))
	}

	t.logger.Infow("健康快照",
		"accounts", accounts,
		"events", events,
	)
	return &HealthSnapshot{Accounts: accounts, Events: events}, nil
}
