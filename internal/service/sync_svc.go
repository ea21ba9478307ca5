package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"meli_sync_v1/internal/config"
	"meli_sync_v1/internal/metrics"
	"meli_sync_v1/internal/model"
	"meli_sync_v1/internal/realtime"
	"meli_sync_v1/internal/repository"
	"meli_sync_v1/pkg/meli"
)

// 统计项名称，同时用于日志和 PartialFetchError
const (
	fieldProducts = "products"
	fieldOrders   = "orders"
	fieldIssues   = "issues"
)

// SyncReport 一轮批量同步的结果
type SyncReport struct {
	Due         int           `json:"due"`
	Batches     int           `json:"batches"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	TokenFailed int           `json:"token_failed"`
	Skipped     int           `json:"skipped"`
	Released    int64         `json:"released"`
	Duration    time.Duration `json:"duration"`
}

// SyncService 账号概要数据同步
type SyncService struct {
	accountRepo repository.AccountRepository
	tokenSvc    *TokenService
	client      MarketplaceClient
	publisher   Publisher
	logger      *zap.SugaredLogger
	cfg         config.SyncConfig

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewSyncService 创建同步服务
func NewSyncService(
	accountRepo repository.AccountRepository,
	tokenSvc *TokenService,
	client MarketplaceClient,
	publisher Publisher,
	cfg config.SyncConfig,
	logger *zap.SugaredLogger,
) *SyncService {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.OrderLookback <= 0 {
		cfg.OrderLookback = 30 * 24 * time.Hour
	}
	if cfg.MaxStaleFields < 0 {
		cfg.MaxStaleFields = 0
	}
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &SyncService{
		accountRepo: accountRepo,
		tokenSvc:    tokenSvc,
		client:      client,
		publisher:   publisher,
		logger:      logger.With("component", "sync"),
		cfg:         cfg,
		now:         time.Now,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ==================== 批量调度 ====================

// RunDue 同步所有到期账号
// 每批内并发执行，批与批之间串行并间隔 BatchDelay，单个账号失败不影响其他账号
// ReleaseStale 释放进程崩溃后遗留的 syncing 标记，否则这些账号不会再被调度
func (s *SyncService) ReleaseStale(ctx context.Context, staleAfter time.Duration) (int64, error) {
	n, err := s.accountRepo.ReleaseStaleSyncing(ctx, s.now().Add(-staleAfter))
	if err != nil {
		return 0, fmt.Errorf("释放 syncing 标记失败: %w", err)
	}
	if n > 0 {
		s.logger.Warnw("已释放中断的同步", "accounts", n, "stale_after", staleAfter)
	}
	return n, nil
}

func (s *SyncService) RunDue(ctx context.Context) (*SyncReport, error) {
	start := s.now()
	report := &SyncReport{}

	// 1. 候选账号
	candidates, err := s.accountRepo.ListSyncCandidates(ctx)
	if err != nil {
		return nil, fmt.Errorf("查询待同步账号失败: %w", err)
	}

	now := s.now()
	due := make([]model.Account, 0, len(candidates))
	for _, acc := range candidates {
		if acc.IsDueForSync(now) {
			due = append(due, acc)
		}
	}
	report.Due = len(due)
	if len(due) == 0 {
		s.logger.Debug("没有到期的账号")
		return report, nil
	}

	s.logger.Infow("开始批量同步", "due", len(due), "batch_size", s.cfg.BatchSize, "batch_delay", s.cfg.BatchDelay)

	// 2. 分批执行
	var mu sync.Mutex
	for offset := 0; offset < len(due); offset += s.cfg.BatchSize {
		if offset > 0 {
			if err := s.sleep(ctx, s.cfg.BatchDelay); err != nil {
				s.logger.Warnw("批量同步被取消", "error", err, "finished_batches", report.Batches)
				break
			}
		}

		end := offset + s.cfg.BatchSize
		if end > len(due) {
			end = len(due)
		}
		batch := due[offset:end]
		report.Batches++

		var wg conc.WaitGroup
		for i := range batch {
			acc := &batch[i]
			wg.Go(func() {
				err := s.SyncAccount(ctx, acc)

				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					report.Succeeded++
				case errors.Is(err, ErrSyncSkipped):
					report.Skipped++
				case errors.Is(err, ErrTokenRefreshFailed):
					report.TokenFailed++
				default:
					report.Failed++
				}
			})
		}
		if r := wg.WaitAndRecover(); r != nil {
			s.logger.Errorw("同步协程 panic", "batch", report.Batches, "panic", r.String())
		}
	}

	report.Duration = s.now().Sub(start)
	metrics.SyncRunDuration.Observe(report.Duration.Seconds())
	s.logger.Infow("批量同步完成",
		"batches", report.Batches,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"token_failed", report.TokenFailed,
		"skipped", report.Skipped,
		"duration", report.Duration,
	)
	return report, nil
}

// SyncAccountNow 手动同步单个账号
func (s *SyncService) SyncAccountNow(ctx context.Context, accountID string) (*model.Account, error) {
	acc, err := s.accountRepo.GetByAccountID(ctx, accountID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	if acc.AccessToken == "" || acc.Status == model.AccountStatusDisconnected {
		return nil, ErrAccountUnavailable
	}

	if err := s.SyncAccount(ctx, acc); err != nil {
		return nil, err
	}
	return s.accountRepo.GetByAccountID(ctx, accountID)
}

// ==================== 单账号同步 ====================

// SyncAccount 同步单个账号：Token 检查 -> 抢占 -> 拉取 -> 落库
func (s *SyncService) SyncAccount(ctx context.Context, acc *model.Account) error {
	log := s.logger.With("account_id", acc.AccountID)

	// 1. Token 已过期先刷新，失败则本轮结束，不拉取任何数据
	if s.tokenSvc.IsExpired(acc, s.now()) {
		if _, err := s.tokenSvc.Refresh(ctx, acc); err != nil {
			return s.failBeforeClaim(ctx, acc, err)
		}
	}

	// 2. 抢占同步权
	if err := s.accountRepo.ClaimSync(ctx, acc.AccountID); err != nil {
		if errors.Is(err, repository.ErrAccountBusy) {
			metrics.SyncAccountsTotal.WithLabelValues("skipped").Inc()
			log.Debug("账号正在同步或状态不允许，跳过")
			return ErrSyncSkipped
		}
		return fmt.Errorf("抢占同步失败: %w", err)
	}

	// 3. 拉取；401 时强制刷新一次后重试
	prev := acc.CachedData.Data()
	summary, fetchErrs := s.fetchSummary(ctx, acc, prev)
	if hasUnauthorized(fetchErrs) {
		log.Info("access token 被拒绝，强制刷新后重试")
		if _, err := s.tokenSvc.Refresh(ctx, acc); err != nil {
			return s.finishTokenFailure(ctx, acc, err)
		}
		summary, fetchErrs = s.fetchSummary(ctx, acc, prev)
	}

	// 4. 判定结果
	if len(fetchErrs) > s.cfg.MaxStaleFields || len(fetchErrs) == 3 {
		return s.finishFailure(ctx, acc, upstreamFrom(fetchErrs))
	}
	if len(fetchErrs) > 0 {
		partial := &PartialFetchError{Fields: sortedKeys(fetchErrs)}
		log.Warnw("部分统计拉取失败，沿用旧值", "error", partial, "causes", fmt.Sprint(fetchErrs))
	}

	return s.finishSuccess(ctx, acc, summary)
}

func (s *SyncService) finishSuccess(ctx context.Context, acc *model.Account, summary model.CachedData) error {
	now := s.now()
	summary.LastUpdated = now

	fields := map[string]interface{}{
		"cached_data":      datatypes.NewJSONType(summary),
		"last_sync_status": model.SyncStatusSuccess,
		"last_sync_at":     now,
		"last_sync_error":  "",
	}
	if err := s.accountRepo.FinishSync(ctx, acc.AccountID, model.AccountStatusActive, fields); err != nil {
		return fmt.Errorf("保存同步结果失败: %w", err)
	}

	acc.CachedData = datatypes.NewJSONType(summary)
	acc.LastSyncAt = &now
	acc.LastSyncStatus = model.SyncStatusSuccess
	acc.LastSyncError = ""
	acc.Status = model.AccountStatusActive

	metrics.SyncAccountsTotal.WithLabelValues("success").Inc()
	s.publisher.Publish(realtime.Notification{
		Type:        realtime.NotificationAccountSynced,
		OwnerUserID: acc.OwnerUserID,
		AccountID:   acc.AccountID,
		Timestamp:   now,
	})
	s.logger.Infow("账号同步成功",
		"account_id", acc.AccountID,
		"products", summary.Products,
		"orders", summary.Orders,
		"issues", summary.Issues,
	)
	return nil
}

// finishFailure 非 Token 失败：status=error 并写入错误记录
func (s *SyncService) finishFailure(ctx context.Context, acc *model.Account, cause error) error {
	msg := cause.Error()
	fields := map[string]interface{}{
		"last_sync_status": model.SyncStatusFailed,
		"last_sync_error":  msg,
	}
	if err := s.accountRepo.FinishSync(ctx, acc.AccountID, model.AccountStatusError, fields); err != nil {
		s.logger.Errorw("保存同步失败状态出错", "account_id", acc.AccountID, "error", err)
	}

	entry := model.ErrorEntry{Message: msg, HTTPStatus: meli.StatusCode(cause), Timestamp: s.now()}
	if err := s.accountRepo.AppendError(ctx, acc.AccountID, entry, nil); err != nil {
		s.logger.Errorw("写入错误记录失败", "account_id", acc.AccountID, "error", err)
	}

	acc.LastSyncStatus = model.SyncStatusFailed
	acc.LastSyncError = msg
	acc.Status = model.AccountStatusError

	metrics.SyncAccountsTotal.WithLabelValues("failed").Inc()
	s.logger.Warnw("账号同步失败", "account_id", acc.AccountID, "error", cause)
	return cause
}

// failBeforeClaim 同步前刷新失败，TokenService 已将状态置为 expired
func (s *SyncService) failBeforeClaim(ctx context.Context, acc *model.Account, cause error) error {
	msg := ErrTokenRefreshFailed.Error() + ": " + cause.Error()
	if err := s.accountRepo.UpdateFields(ctx, acc.AccountID, map[string]interface{}{
		"last_sync_status": model.SyncStatusFailed,
		"last_sync_error":  msg,
	}); err != nil {
		s.logger.Errorw("保存同步失败状态出错", "account_id", acc.AccountID, "error", err)
	}
	return s.tokenFailed(acc, msg, cause)
}

// finishTokenFailure 同步过程中强制刷新失败
func (s *SyncService) finishTokenFailure(ctx context.Context, acc *model.Account, cause error) error {
	msg := ErrTokenRefreshFailed.Error() + ": " + cause.Error()
	if err := s.accountRepo.FinishSync(ctx, acc.AccountID, model.AccountStatusExpired, map[string]interface{}{
		"last_sync_status": model.SyncStatusFailed,
		"last_sync_error":  msg,
	}); err != nil {
		s.logger.Errorw("保存同步失败状态出错", "account_id", acc.AccountID, "error", err)
	}
	return s.tokenFailed(acc, msg, cause)
}

func (s *SyncService) tokenFailed(acc *model.Account, msg string, cause error) error {
	acc.LastSyncStatus = model.SyncStatusFailed
	acc.LastSyncError = msg

	metrics.SyncAccountsTotal.WithLabelValues("token_failed").Inc()
	s.publisher.Publish(realtime.Notification{
		Type:        realtime.NotificationAccountExpired,
		OwnerUserID: acc.OwnerUserID,
		AccountID:   acc.AccountID,
	})
	s.logger.Warnw("同步前刷新 Token 失败", "account_id", acc.AccountID, "error", cause)
	return fmt.Errorf("%w: %v", ErrTokenRefreshFailed, cause)
}

// ==================== 数据拉取 ====================

// fetchSummary 并发拉取三项统计，失败项沿用 prev 中的旧值
func (s *SyncService) fetchSummary(ctx context.Context, acc *model.Account, prev model.CachedData) (model.CachedData, map[string]error) {
	summary := prev
	errs := make(map[string]error)
	var mu sync.Mutex

	token := acc.AccessToken
	seller := acc.MarketplaceUserID
	since := s.now().Add(-s.cfg.OrderLookback)

	fetch := func(name string, dst *int, fn func(ctx context.Context) (int, error)) func() {
		return func() {
			fctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
			defer cancel()

			n, err := fn(fctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs[name] = err
				return
			}
			*dst = n
		}
	}

	var wg conc.WaitGroup
	wg.Go(fetch(fieldProducts, &summary.Products, func(ctx context.Context) (int, error) {
		return s.client.CountItems(ctx, token, seller)
	}))
	wg.Go(fetch(fieldOrders, &summary.Orders, func(ctx context.Context) (int, error) {
		return s.client.CountOrders(ctx, token, seller, since)
	}))
	wg.Go(fetch(fieldIssues, &summary.Issues, func(ctx context.Context) (int, error) {
		return s.client.CountOpenClaims(ctx, token, seller)
	}))
	if r := wg.WaitAndRecover(); r != nil {
		errs["panic"] = r.AsError()
	}

	return summary, errs
}

func hasUnauthorized(errs map[string]error) bool {
	for _, err := range errs {
		if meli.IsUnauthorized(err) {
			return true
		}
	}
	return false
}

// upstreamFrom 取一个有代表性的错误，优先带 HTTP 状态码的
func upstreamFrom(errs map[string]error) error {
	var picked error
	for _, name := range sortedKeys(errs) {
		err := errs[name]
		if picked == nil || (meli.StatusCode(picked) == 0 && meli.StatusCode(err) != 0) {
			picked = err
		}
	}
	return &UpstreamError{HTTPStatus: meli.StatusCode(picked), Err: picked}
}

func sortedKeys(errs map[string]error) []string {
	keys := make([]string, 0, len(errs))
	for _, name := range []string{fieldProducts, fieldOrders, fieldIssues, "panic"} {
		if _, ok := errs[name]; ok {
			keys = append(keys, name)
		}
	}
	return keys
}
