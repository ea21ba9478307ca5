package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"meli_sync_v1/internal/model"
	"meli_sync_v1/internal/repository"
	"meli_sync_v1/pkg/utils"
)

// 授权 state 有效期
const oauthStateTTL = 10 * time.Minute

// StateStore 授权 state 存储，取出即失效
type StateStore interface {
	SaveOAuthState(ctx context.Context, state, value string, ttl time.Duration) error
	TakeOAuthState(ctx context.Context, state string) (string, error)
}

var _ StateStore = (*CacheService)(nil)

// AuthService 账号授权绑定
type AuthService struct {
	accountRepo repository.AccountRepository
	oauth       OAuthClient
	client      MarketplaceClient
	states      StateStore
	logger      *zap.SugaredLogger
	now         func() time.Time
}

// NewAuthService 工厂方法
func NewAuthService(
	accountRepo repository.AccountRepository,
	oauth OAuthClient,
	client MarketplaceClient,
	states StateStore,
	logger *zap.SugaredLogger,
) *AuthService {
	return &AuthService{
		accountRepo: accountRepo,
		oauth:       oauth,
		client:      client,
		states:      states,
		logger:      logger.With("component", "auth"),
		now:         time.Now,
	}
}

// GenerateLoginURL 生成授权链接
// state 缓存格式为 "verifier:ownerUserID"
func (s *AuthService) GenerateLoginURL(ctx context.Context, ownerUserID int64) (string, error) {
	if ownerUserID <= 0 {
		return "", ErrForbidden
	}

	// 1. 生成 PKCE 参数
	verifier, err := utils.GenerateRandomString(64)
	if err != nil {
		return "", err
	}
	challenge := utils.GenerateCodeChallenge(verifier)
	state, err := utils.GenerateRandomString(32)
	if err != nil {
		return "", err
	}

	// 2. 缓存 verifier
	value := fmt.Sprintf("%s:%d", verifier, ownerUserID)
	if err := s.states.SaveOAuthState(ctx, state, value, oauthStateTTL); err != nil {
		return "", fmt.Errorf("保存授权状态失败: %w", err)
	}

	// 3. 拼接授权地址
	return s.oauth.AuthorizationURL(state, challenge), nil
}

// HandleCallback 处理授权回调：换 Token -> 查询卖家信息 -> 新建或更新账号
func (s *AuthService) HandleCallback(ctx context.Context, code, state string) (*model.Account, error) {
	if code == "" || state == "" {
		return nil, ErrInvalidState
	}

	// 1. 校验 state
	cached, err := s.states.TakeOAuthState(ctx, state)
	if err != nil {
		return nil, err
	}
	verifier, ownerStr, ok := strings.Cut(cached, ":")
	if !ok {
		return nil, fmt.Errorf("%w: 缓存格式错误", ErrInvalidState)
	}
	ownerUserID, err := strconv.ParseInt(ownerStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: 用户 ID 无效", ErrInvalidState)
	}

	// 2. 换取 Token
	tok, err := s.oauth.ExchangeCode(ctx, code, verifier)
	if err != nil {
		return nil, fmt.Errorf("换取 Token 失败: %w", err)
	}
	expiresAt := s.now().Add(time.Duration(tok.ExpiresIn) * time.Second)

	// 3. 卖家信息
	user, err := s.client.GetUser(ctx, tok.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("获取卖家信息失败: %w", err)
	}

	// 4. 已存在则更新，否则新建
	existing, err := s.accountRepo.GetByMarketplaceUserID(ctx, user.ID)
	switch {
	case err == nil:
		return s.reconnect(ctx, existing, ownerUserID, user.Nickname, user.SiteID, tok.AccessToken, tok.RefreshToken, expiresAt)
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return nil, err
	}

	owned, err := s.accountRepo.ListByOwner(ctx, ownerUserID)
	if err != nil {
		return nil, err
	}

	acc := &model.Account{
		AccountID:         uuid.NewString(),
		OwnerUserID:       ownerUserID,
		MarketplaceUserID: user.ID,
		Nickname:          user.Nickname,
		SiteID:            user.SiteID,
		IsPrimary:         len(owned) == 0,
		AccessToken:       tok.AccessToken,
		RefreshToken:      tok.RefreshToken,
		TokenExpiresAt:    expiresAt,
		Status:            model.AccountStatusActive,
		SyncEnabled:       true,
		SyncIntervalMs:    model.DefaultSyncInterval.Milliseconds(),
	}
	if err := s.accountRepo.Create(ctx, acc); err != nil {
		return nil, fmt.Errorf("创建账号失败: %w", err)
	}

	s.logger.Infow("账号绑定成功",
		"account_id", acc.AccountID,
		"owner_user_id", ownerUserID,
		"marketplace_user_id", user.ID,
		"primary", acc.IsPrimary,
	)
	return acc, nil
}

// reconnect 重新授权已有账号
func (s *AuthService) reconnect(
	ctx context.Context,
	acc *model.Account,
	ownerUserID int64,
	nickname, siteID, accessToken, refreshToken string,
	expiresAt time.Time,
) (*model.Account, error) {
	// 同一卖家账号只能归属一个用户，已解绑的可以被重新认领
	if acc.OwnerUserID != ownerUserID && acc.Status != model.AccountStatusDisconnected {
		return nil, ErrForbidden
	}

	// 1. 该用户没有其他主账号时，重新绑定的账号成为主账号
	owned, err := s.accountRepo.ListByOwner(ctx, ownerUserID)
	if err != nil {
		return nil, err
	}
	primary := true
	for _, o := range owned {
		if o.AccountID != acc.AccountID && o.IsPrimary {
			primary = false
			break
		}
	}

	// 2. Token
	if err := s.accountRepo.UpdateToken(ctx, acc.AccountID, accessToken, refreshToken, expiresAt); err != nil {
		return nil, fmt.Errorf("保存 Token 失败: %w", err)
	}

	// 3. 账号信息，正在同步时不改动 syncing 标记
	if err := s.accountRepo.Reactivate(ctx, acc.AccountID, map[string]interface{}{
		"owner_user_id":   ownerUserID,
		"nickname":        nickname,
		"site_id":         siteID,
		"is_primary":      primary,
		"sync_enabled":    true,
		"last_sync_error": "",
	}); err != nil {
		return nil, fmt.Errorf("更新账号失败: %w", err)
	}

	s.logger.Infow("账号重新授权", "account_id", acc.AccountID, "owner_user_id", ownerUserID)
	return s.accountRepo.GetByAccountID(ctx, acc.AccountID)
}
