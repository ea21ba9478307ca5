package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"meli_sync_v1/internal/metrics"
	"meli_sync_v1/internal/model"
	"meli_sync_v1/internal/repository"
	"meli_sync_v1/pkg/meli"
)

// RefreshedTokens 刷新结果
type RefreshedTokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// TokenService 账号 Token 生命周期
// 同一账号的并发刷新合并为一次请求 (refresh token 只能使用一次)
type TokenService struct {
	accountRepo repository.AccountRepository
	oauth       OAuthClient
	logger      *zap.SugaredLogger

	group   singleflight.Group
	timeout time.Duration
	now     func() time.Time
}

// NewTokenService 创建 Token 服务
func NewTokenService(accountRepo repository.AccountRepository, oauth OAuthClient, logger *zap.SugaredLogger) *TokenService {
	return &TokenService{
		accountRepo: accountRepo,
		oauth:       oauth,
		logger:      logger.With("component", "token"),
		timeout:     30 * time.Second,
		now:         time.Now,
	}
}

// SetTimeout 单次刷新请求超时
func (s *TokenService) SetTimeout(d time.Duration) {
	if d > 0 {
		s.timeout = d
	}
}

// IsExpired now >= tokenExpiresAt
func (s *TokenService) IsExpired(acc *model.Account, now time.Time) bool {
	return !now.Before(acc.TokenExpiresAt)
}

// NeedsRefresh Token 在 skew 时间内过期
func (s *TokenService) NeedsRefresh(acc *model.Account, now time.Time, skew time.Duration) bool {
	return !now.Add(skew).Before(acc.TokenExpiresAt)
}

// Refresh 刷新 Token 并在返回前落库
// 成功时 acc 的 Token 字段同步更新；失败时账号置为 expired，Token 字段不变
func (s *TokenService) Refresh(ctx context.Context, acc *model.Account) (*RefreshedTokens, error) {
	staleAccess := acc.AccessToken
	ch := s.group.DoChan(acc.AccountID, func() (interface{}, error) {
		// 共享的刷新不跟随发起方取消，否则同时等待的调用方都会拿到发起方的 context.Canceled
		sharedCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		return s.doRefresh(sharedCtx, acc.AccountID, staleAccess)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		// 刷新仍在后台完成并落库，只是当前调用方不再等待
		return nil, ctx.Err()
	}
	if res.Shared {
		s.logger.Debugw("复用同一账号正在进行的刷新", "account_id", acc.AccountID)
	}
	v, err := res.Val, res.Err
	if err != nil {
		if acc.Status != model.AccountStatusDisconnected {
			acc.Status = model.AccountStatusExpired
		}
		return nil, err
	}

	tokens := v.(*RefreshedTokens)
	acc.AccessToken = tokens.AccessToken
	acc.RefreshToken = tokens.RefreshToken
	acc.TokenExpiresAt = tokens.ExpiresAt
	acc.TokenRetryable = false
	if acc.Status == model.AccountStatusExpired {
		acc.Status = model.AccountStatusActive
	}
	return tokens, nil
}

func (s *TokenService) doRefresh(ctx context.Context, accountID, staleAccessToken string) (*RefreshedTokens, error) {
	// 1. 以库中最新数据为准
	cur, err := s.accountRepo.GetByAccountID(ctx, accountID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("读取账号失败: %w", err)
	}

	now := s.now()

	// 2. 其他请求已经刷新过，直接复用
	if cur.AccessToken != "" && cur.AccessToken != staleAccessToken && !s.IsExpired(cur, now) {
		return &RefreshedTokens{
			AccessToken:  cur.AccessToken,
			RefreshToken: cur.RefreshToken,
			ExpiresAt:    cur.TokenExpiresAt,
		}, nil
	}

	if cur.RefreshToken == "" {
		s.recordFailure(ctx, cur, ErrNoRefreshToken, 0, false)
		return nil, ErrNoRefreshToken
	}

	// 3. 调用平台刷新
	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tok, err := s.oauth.RefreshToken(reqCtx, cur.RefreshToken)
	if err != nil {
		var typed error
		if meli.IsTransient(err) {
			typed = &TransientError{Err: err}
		} else {
			typed = &RefreshRejectedError{HTTPStatus: meli.StatusCode(err), Reason: err.Error()}
		}
		s.recordFailure(ctx, cur, typed, meli.StatusCode(err), meli.IsTransient(err))
		return nil, typed
	}

	// 4. 平台没有下发新的 refresh token 时保留旧值
	refreshToken := tok.RefreshToken
	if refreshToken == "" {
		refreshToken = cur.RefreshToken
	}
	expiresAt := now.Add(time.Duration(tok.ExpiresIn) * time.Second)

	if err := s.accountRepo.UpdateToken(ctx, accountID, tok.AccessToken, refreshToken, expiresAt); err != nil {
		metrics.TokenRefreshTotal.WithLabelValues("persist_failed").Inc()
		return nil, fmt.Errorf("保存新 Token 失败: %w", err)
	}

	metrics.TokenRefreshTotal.WithLabelValues("success").Inc()
	s.logger.Infow("Token 刷新成功", "account_id", accountID, "expires_at", expiresAt)

	return &RefreshedTokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
	}, nil
}

// recordFailure 置为 expired 并写入错误记录，不动 Token 字段
func (s *TokenService) recordFailure(ctx context.Context, cur *model.Account, cause error, httpStatus int, retryable bool) {
	result := "rejected"
	if retryable {
		result = "transient"
	}
	metrics.TokenRefreshTotal.WithLabelValues(result).Inc()

	fields := map[string]interface{}{
		"token_retryable": retryable,
	}
	// 已解绑的账号保持 disconnected
	if cur.Status != model.AccountStatusDisconnected {
		fields["status"] = model.AccountStatusExpired
	}

	entry := model.ErrorEntry{
		Message:    ErrTokenRefreshFailed.Error() + ": " + cause.Error(),
		HTTPStatus: httpStatus,
		Timestamp:  s.now(),
	}
	if err := s.accountRepo.AppendError(ctx, cur.AccountID, entry, fields); err != nil {
		s.logger.Errorw("记录 Token 刷新失败出错", "account_id", cur.AccountID, "error", err)
	}

	s.logger.Warnw("Token 刷新失败",
		"account_id", cur.AccountID,
		"http_status", httpStatus,
		"retryable", retryable,
		"error", cause,
	)
}
