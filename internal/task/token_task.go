package task

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"meli_sync_v1/internal/model"
	"meli_sync_v1/internal/repository"
	"meli_sync_v1/internal/service"
)

// TokenReport 一轮保活结果
type TokenReport struct {
	Candidates int `json:"candidates"`
	Refreshed  int `json:"refreshed"`
	Failed     int `json:"failed"`
}

// TokenTask 在 Token 过期前主动刷新
// 可重试失败的 expired 账号也会被重新尝试
type TokenTask struct {
	accountRepo  repository.AccountRepository
	tokenService *service.TokenService
	logger       *zap.SugaredLogger

	// 控制并发刷新数量，避免触发平台限流
	concurrencyLimit int
	sleepTime        time.Duration
	skew             time.Duration
	now              func() time.Time
}

func NewTokenTask(accountRepo repository.AccountRepository, tokenService *service.TokenService, logger *zap.SugaredLogger) *TokenTask {
	return &TokenTask{
		accountRepo:      accountRepo,
		tokenService:     tokenService,
		logger:           logger.With("task", "token_refresh"),
		concurrencyLimit: 10,
		sleepTime:        50 * time.Millisecond, // 每个协程启动间隔，平滑波峰
		skew:             10 * time.Minute,
		now:              time.Now,
	}
}

// SetConcurrency 设置并发参数
func (t *TokenTask) SetConcurrency(limit int, sleep time.Duration) {
	if limit > 0 {
		t.concurrencyLimit = limit
	}
	t.sleepTime = sleep
}

// SetSkew 提前刷新的时间窗口
func (t *TokenTask) SetSkew(skew time.Duration) {
	if skew > 0 {
		t.skew = skew
	}
}

func (t *TokenTask) Name() string { return "token_refresh" }

func (t *TokenTask) Run(ctx context.Context) {
	if _, err := t.RunNow(ctx); err != nil {
		t.logger.Errorw("Token 保活失败", "error", err)
	}
}

// RunNow 刷新即将过期的 Token
func (t *TokenTask) RunNow(ctx context.Context) (*TokenReport, error) {
	now := t.now()
	accounts, err := t.accountRepo.ListTokenRefreshCandidates(ctx, now.Add(t.skew))
	if err != nil {
		return nil, err
	}

	report := &TokenReport{Candidates: len(accounts)}
	if len(accounts) == 0 {
		return report, nil
	}

	// 1. 信号量通道，容量即为并发上限
	sem := make(chan struct{}, t.concurrencyLimit)
	var (
		wg                sync.WaitGroup
		refreshed, failed atomic.Int64
	)

	t.logger.Infow("开始 Token 保活", "accounts", len(accounts), "concurrency", t.concurrencyLimit)

loop:
	for i := range accounts {
		// 2. 超时即停止派发
		select {
		case <-ctx.Done():
			t.logger.Warn("Token 保活超时停止")
			break loop
		case sem <- struct{}{}:
		}
		wg.Add(1)

		// 3. 平滑波峰
		if t.sleepTime > 0 && i > 0 {
			time.Sleep(t.sleepTime)
		}

		go func(acc *model.Account) {
			defer wg.Done()
			defer func() { <-sem }()

			if _, err := t.tokenService.Refresh(ctx, acc); err != nil {
				failed.Add(1)
				t.logger.Warnw("Token 刷新失败",
					"account_id", acc.AccountID,
					"retryable", service.IsRetryable(err),
					"error", err,
				)
				return
			}
			refreshed.Add(1)
		}(&accounts[i])
	}

	// 4. 等待所有协程完成
	wg.Wait()

	report.Refreshed = int(refreshed.Load())
	report.Failed = int(failed.Load())
	t.logger.Infow("本轮 Token 保活完成",
		"candidates", report.Candidates,
		"refreshed", report.Refreshed,
		"failed", report.Failed,
	)
	return report, nil
}
