package service

import (
	"context"
	"encoding/json"
	"time"

	"meli_sync_v1/internal/realtime"
	"meli_sync_v1/pkg/meli"
)

// OAuthClient 平台 OAuth 接口
type OAuthClient interface {
	AuthorizationURL(state, codeChallenge string) string
	ExchangeCode(ctx context.Context, code, codeVerifier string) (*meli.Token, error)
	RefreshToken(ctx context.Context, refreshToken string) (*meli.Token, error)
}

// MarketplaceClient 平台数据接口
// 所有方法在 access token 失效时返回 meli.IsUnauthorized 可识别的错误
type MarketplaceClient interface {
	GetUser(ctx context.Context, accessToken string) (*meli.User, error)

	GetOrder(ctx context.Context, accessToken, id string) (json.RawMessage, error)
	GetItem(ctx context.Context, accessToken, id string) (json.RawMessage, error)
	GetShipment(ctx context.Context, accessToken, id string) (json.RawMessage, error)
	GetQuestion(ctx context.Context, accessToken, id string) (json.RawMessage, error)
	GetPayment(ctx context.Context, accessToken, id string) (json.RawMessage, error)
	GetClaim(ctx context.Context, accessToken, id string) (json.RawMessage, error)

	CountItems(ctx context.Context, accessToken string, sellerID int64) (int, error)
	CountOrders(ctx context.Context, accessToken string, sellerID int64, since time.Time) (int, error)
	CountOpenClaims(ctx context.Context, accessToken string, sellerID int64) (int, error)
}

var (
	_ OAuthClient       = (*meli.Client)(nil)
	_ MarketplaceClient = (*meli.Client)(nil)
)

// Publisher 实时推送出口，实现方不得阻塞
type Publisher interface {
	Publish(n realtime.Notification) bool
}

type nopPublisher struct{}

func (nopPublisher) Publish(realtime.Notification) bool { return false }

var _ Publisher = (*realtime.Hub)(nil)
