package meli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"meli_sync_v1/internal/config"
)

// ==================== 响应结构 ====================

// Token /oauth/token 响应
type Token struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	UserID       int64  `json:"user_id"`
	RefreshToken string `json:"refresh_token"`
}

// User /users/me 响应中用到的字段
type User struct {
	ID       int64  `json:"id"`
	Nickname string `json:"nickname"`
	SiteID   string `json:"site_id"`
	Email    string `json:"email"`
}

type searchResp struct {
	Paging struct {
		Total int `json:"total"`
	} `json:"paging"`
}

// ==================== 客户端 ====================

// Client Mercado Livre API 客户端
// 所有请求共用一个令牌桶，避免触发平台限流
type Client struct {
	http    *resty.Client
	oauth   *resty.Client // /oauth/token 专用，不自动重试
	limiter *rate.Limiter
	cfg     config.MeliConfig
}

// NewClient 创建客户端
func NewClient(cfg config.MeliConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	httpClient := newRestyClient(cfg).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(shouldRetry)

	// refresh token 只能使用一次，响应丢失后重放会被平台判定为 invalid_grant
	// 重试策略交给调用方 (TokenTask / IsRetryable)
	oauthClient := newRestyClient(cfg).SetRetryCount(0)

	return &Client{
		http:    httpClient,
		oauth:   oauthClient,
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		cfg:     cfg,
	}
}

func newRestyClient(cfg config.MeliConfig) *resty.Client {
	return resty.New().
		SetBaseURL(strings.TrimRight(cfg.APIBaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "meli-sync/1.0")
}

// shouldRetry 只重试网络错误、429 和 5xx；调用方取消不重试
func shouldRetry(r *resty.Response, err error) bool {
	if err != nil {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	if r == nil {
		return false
	}
	code := r.StatusCode()
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

// ==================== OAuth ====================

// AuthorizationURL 拼接授权链接 (PKCE)
func (c *Client) AuthorizationURL(state, codeChallenge string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", c.cfg.ClientID)
	q.Set("redirect_uri", c.cfg.RedirectURI)
	q.Set("state", state)
	q.Set("code_challenge", codeChallenge)
	q.Set("code_challenge_method", "S256")
	return c.cfg.AuthURL + "?" + q.Encode()
}

// ExchangeCode 授权码换 Token
func (c *Client) ExchangeCode(ctx context.Context, code, codeVerifier string) (*Token, error) {
	form := map[string]string{
		"grant_type":    "authorization_code",
		"client_id":     c.cfg.ClientID,
		"client_secret": c.cfg.ClientSecret,
		"code":          code,
		"redirect_uri":  c.cfg.RedirectURI,
	}
	if codeVerifier != "" {
		form["code_verifier"] = codeVerifier
	}
	return c.postToken(ctx, form)
}

// RefreshToken 用 refresh token 换新 Token
// 平台可能不返回新的 refresh token，由调用方决定是否保留旧值
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*Token, error) {
	return c.postToken(ctx, map[string]string{
		"grant_type":    "refresh_token",
		"client_id":     c.cfg.ClientID,
		"client_secret": c.cfg.ClientSecret,
		"refresh_token": refreshToken,
	})
}

func (c *Client) postToken(ctx context.Context, form map[string]string) (*Token, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err := c.oauth.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetFormData(form).
		Post("/oauth/token")
	if err != nil {
		return nil, fmt.Errorf("请求 /oauth/token 失败: %w", err)
	}
	if resp.IsError() {
		return nil, parseAPIError("/oauth/token", resp)
	}

	var tok Token
	if err := json.Unmarshal(resp.Body(), &tok); err != nil {
		return nil, fmt.Errorf("解析 Token 响应失败: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, &APIError{StatusCode: resp.StatusCode(), Code: "empty_token", Message: "access_token missing", Path: "/oauth/token"}
	}
	return &tok, nil
}

// ==================== 资源 ====================

// GetUser 当前授权用户
func (c *Client) GetUser(ctx context.Context, accessToken string) (*User, error) {
	body, err := c.get(ctx, accessToken, "/users/me", nil)
	if err != nil {
		return nil, err
	}
	var u User
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, fmt.Errorf("解析用户信息失败: %w", err)
	}
	return &u, nil
}

// GetOrder 订单详情
func (c *Client) GetOrder(ctx context.Context, accessToken, id string) (json.RawMessage, error) {
	return c.get(ctx, accessToken, "/orders/"+url.PathEscape(id), nil)
}

// GetItem 商品详情
func (c *Client) GetItem(ctx context.Context, accessToken, id string) (json.RawMessage, error) {
	return c.get(ctx, accessToken, "/items/"+url.PathEscape(id), nil)
}

// GetShipment 物流详情
func (c *Client) GetShipment(ctx context.Context, accessToken, id string) (json.RawMessage, error) {
	return c.get(ctx, accessToken, "/shipments/"+url.PathEscape(id), nil)
}

// GetQuestion 买家提问
func (c *Client) GetQuestion(ctx context.Context, accessToken, id string) (json.RawMessage, error) {
	return c.get(ctx, accessToken, "/questions/"+url.PathEscape(id), nil)
}

// GetPayment Mercado Pago 收款
func (c *Client) GetPayment(ctx context.Context, accessToken, id string) (json.RawMessage, error) {
	return c.get(ctx, accessToken, "/v1/payments/"+url.PathEscape(id), nil)
}

// GetClaim 售后纠纷
func (c *Client) GetClaim(ctx context.Context, accessToken, id string) (json.RawMessage, error) {
	return c.get(ctx, accessToken, "/post-purchase/v1/claims/"+url.PathEscape(id), nil)
}

// ==================== 统计 ====================

// CountItems 卖家商品总数
func (c *Client) CountItems(ctx context.Context, accessToken string, sellerID int64) (int, error) {
	path := "/users/" + strconv.FormatInt(sellerID, 10) + "/items/search"
	return c.searchTotal(ctx, accessToken, path, map[string]string{"limit": "1"})
}

// CountOrders since 之后创建的订单数
func (c *Client) CountOrders(ctx context.Context, accessToken string, sellerID int64, since time.Time) (int, error) {
	return c.searchTotal(ctx, accessToken, "/orders/search", map[string]string{
		"seller":                  strconv.FormatInt(sellerID, 10),
		"order.date_created.from": since.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		"limit":                   "1",
	})
}

// CountOpenClaims 未关闭的纠纷数
func (c *Client) CountOpenClaims(ctx context.Context, accessToken string, sellerID int64) (int, error) {
	return c.searchTotal(ctx, accessToken, "/post-purchase/v1/claims/search", map[string]string{
		"players.user_id": strconv.FormatInt(sellerID, 10),
		"status":          "opened",
		"limit":           "1",
	})
}

func (c *Client) searchTotal(ctx context.Context, accessToken, path string, query map[string]string) (int, error) {
	body, err := c.get(ctx, accessToken, path, query)
	if err != nil {
		return 0, err
	}
	var res searchResp
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, fmt.Errorf("解析 %s 响应失败: %w", path, err)
	}
	return res.Paging.Total, nil
}

// get 带鉴权的 GET，返回原始 JSON
func (c *Client) get(ctx context.Context, accessToken, path string, query map[string]string) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req := c.http.R().
		SetContext(ctx).
		SetAuthToken(accessToken)
	if len(query) > 0 {
		req.SetQueryParams(query)
	}

	resp, err := req.Get(path)
	if err != nil {
		return nil, fmt.Errorf("请求 %s 失败: %w", path, err)
	}
	if resp.IsError() {
		return nil, parseAPIError(path, resp)
	}

	body := resp.Body()
	if !json.Valid(body) {
		return nil, fmt.Errorf("%s 返回了非 JSON 内容", path)
	}
	return json.RawMessage(body), nil
}

// parseAPIError 平台错误体 {"message","error","status","cause"}，解析失败时用原始文本
func parseAPIError(path string, resp *resty.Response) error {
	apiErr := &APIError{}
	if err := json.Unmarshal(resp.Body(), apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(resp.String())
	}
	apiErr.StatusCode = resp.StatusCode()
	apiErr.Path = path
	return apiErr
}
