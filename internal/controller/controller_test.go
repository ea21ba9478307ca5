package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"meli_sync_v1/internal/config"
	"meli_sync_v1/internal/middleware"
	"meli_sync_v1/internal/model"
	"meli_sync_v1/internal/repository"
	"meli_sync_v1/internal/service"
	"meli_sync_v1/internal/task"
	"meli_sync_v1/pkg/logger"
	"meli_sync_v1/pkg/meli"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// ==================== 测试辅助 ====================

type stubOAuth struct{}

func (stubOAuth) AuthorizationURL(state, challenge string) string {
	return "https://auth.example.com/authorization?state=" + state
}

func (stubOAuth) ExchangeCode(ctx context.Context, code, verifier string) (*meli.Token, error) {
	return &meli.Token{AccessToken: "a", RefreshToken: "r", ExpiresIn: 21600}, nil
}

func (stubOAuth) RefreshToken(ctx context.Context, refreshToken string) (*meli.Token, error) {
	return &meli.Token{AccessToken: "refreshed", ExpiresIn: 21600}, nil
}

type ctlHarness struct {
	db         *gorm.DB
	mr         *miniredis.Miniredis
	r          *gin.Engine
	webhookSvc *service.WebhookService
}

func setupCtlTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("连接测试数据库失败: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("获取底层连接失败: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&model.Account{}, &model.WebhookEvent{}); err != nil {
		t.Fatalf("数据库迁移失败: %v", err)
	}
	return db
}

func newCtlHarness(t *testing.T) *ctlHarness {
	middleware.SetJWTConfig(&middleware.JWTConfig{SecretKey: "ctl-test", Issuer: "meli-sync"})

	h := &ctlHarness{db: setupCtlTestDB(t)}
	h.mr = miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: h.mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	log := logger.NewNop()
	accountRepo := repository.NewAccountRepository(h.db)
	eventRepo := repository.NewWebhookEventRepository(h.db)

	cache := service.NewCacheService(rdb, log)
	tokenSvc := service.NewTokenService(accountRepo, stubOAuth{}, log)
	syncSvc := service.NewSyncService(accountRepo, tokenSvc, nil, nil, config.SyncConfig{}, log)
	accountSvc := service.NewAccountService(accountRepo, eventRepo, cache, log)
	authSvc := service.NewAuthService(accountRepo, stubOAuth{}, nil, cache, log)
	h.webhookSvc = service.NewWebhookService(eventRepo, accountRepo, service.NoopVerifier{},
		config.WebhookConfig{QueueSize: 16, Workers: 2}, log)

	// 所有定时任务未配置
	tm := task.NewTaskManager(&task.TaskManagerDeps{AccountRepo: accountRepo, EventRepo: eventRepo}, &config.Config{}, log)
	limiter := middleware.NewSyncRateLimiter()

	accountCtl := NewAccountController(accountSvc)
	syncCtl := NewSyncController(accountSvc, syncSvc, tm, limiter)
	authCtl := NewAuthController(authSvc, accountSvc, tokenSvc)
	webhookCtl := NewWebhookController(h.webhookSvc, 1024)

	r := gin.New()
	r.POST("/webhooks/marketplace", webhookCtl.Receive)
	r.GET("/api/oauth/callback", authCtl.Callback)

	api := r.Group("/api", middleware.JWTAuth())
	api.GET("/oauth/login", authCtl.Login)
	api.GET("/accounts", accountCtl.List)
	api.GET("/accounts/:id", accountCtl.Get)
	api.POST("/accounts/:id/pause", accountCtl.Pause)
	api.PUT("/accounts/:id/settings", accountCtl.UpdateSettings)
	api.POST("/accounts/:id/refresh-token", authCtl.RefreshToken)
	api.POST("/accounts/:id/sync",
		middleware.SyncRateLimit(limiter, middleware.SyncTypeAccount, time.Minute), syncCtl.SyncAccount)
	api.GET("/events", accountCtl.ListEvents)
	api.POST("/events/:event_id/requeue", accountCtl.RequeueEvent)
	api.POST("/sync/all", middleware.RequireRole(middleware.RoleAdmin), syncCtl.SyncAll)
	api.GET("/tasks/status", syncCtl.TaskStatus)
	h.r = r
	return h
}

func (h *ctlHarness) seedAccount(t *testing.T, id string, owner, mlUser int64) {
	acc := &model.Account{
		AccountID:         id,
		OwnerUserID:       owner,
		MarketplaceUserID: mlUser,
		Nickname:          "seller-" + id,
		AccessToken:       "access-" + id,
		RefreshToken:      "refresh-" + id,
		TokenExpiresAt:    time.Now().Add(6 * time.Hour),
		Status:            model.AccountStatusActive,
		SyncEnabled:       true,
	}
	require.NoError(t, h.db.Create(acc).Error)
}

func (h *ctlHarness) seedEvent(t *testing.T, eventID string, owner int64, status model.EventStatus) {
	require.NoError(t, h.db.Create(&model.WebhookEvent{
		EventID:     eventID,
		AccountID:   "acc-1",
		OwnerUserID: owner,
		Topic:       model.TopicOrders,
		Status:      status,
		ReceivedAt:  time.Now(),
	}).Error)
}

type apiResp struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (h *ctlHarness) do(t *testing.T, method, path string, userID int64, role string, body interface{}) (*httptest.ResponseRecorder, apiResp) {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID > 0 {
		token, err := middleware.GenerateAccessToken(userID, "user", role)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	h.r.ServeHTTP(w, req)

	var resp apiResp
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

// ==================== Webhook ====================

func TestWebhook_RejectsInvalidNotification(t *testing.T) {
	h := newCtlHarness(t)

	tests := []struct {
		name string
		body string
	}{
		{"非 JSON", `not-json`},
		{"缺少 topic", `{"resource":"/orders/1","user_id":1001}`},
		{"缺少 resource", `{"topic":"orders_v2","user_id":1001}`},
		{"缺少 user_id", `{"resource":"/orders/1","topic":"orders_v2"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/webhooks/marketplace", bytes.NewBufferString(tt.body))
			w := httptest.NewRecorder()
			h.r.ServeHTTP(w, req)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

// 先应答，入库由后台 worker 完成
func TestWebhook_AcksBeforeProcessing(t *testing.T) {
	h := newCtlHarness(t)
	h.seedAccount(t, "acc-1", 7, 1001)

	body := `{"resource":"/orders/2000001","user_id":1001,"topic":"orders_v2","application_id":99,"attempts":1}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/marketplace", bytes.NewBufferString(body))
	req.Header.Set("x-request-id", "req-1")
	w := httptest.NewRecorder()
	h.r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"received"}`, w.Body.String())

	// worker 尚未启动，事件还没有入库
	var count int64
	require.NoError(t, h.db.Model(&model.WebhookEvent{}).Count(&count).Error)
	assert.Zero(t, count)

	h.webhookSvc.Start(context.Background())
	defer h.webhookSvc.Stop()

	require.Eventually(t, func() bool {
		var n int64
		h.db.Model(&model.WebhookEvent{}).Count(&n)
		return n == 1
	}, 2*time.Second, 20*time.Millisecond)

	var ev model.WebhookEvent
	require.NoError(t, h.db.First(&ev).Error)
	assert.Equal(t, "acc-1", ev.AccountID)
	assert.Equal(t, int64(7), ev.OwnerUserID)
	assert.Equal(t, model.TopicOrders, ev.Topic)
	assert.Equal(t, "2000001", ev.ResourceID)
	assert.Equal(t, model.EventStatusReceived, ev.Status)
}

// ==================== 账号 ====================

func TestAccounts_ListOnlyOwn(t *testing.T) {
	h := newCtlHarness(t)
	h.seedAccount(t, "acc-1", 7, 1001)
	h.seedAccount(t, "acc-2", 7, 1002)
	h.seedAccount(t, "acc-3", 8, 1003)

	w, resp := h.do(t, http.MethodGet, "/api/accounts", 7, middleware.RoleOperator, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var list struct {
		Total int64 `json:"total"`
		List  []struct {
			AccountID   string `json:"account_id"`
			TokenStatus string `json:"token_status"`
		} `json:"list"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &list))
	assert.Equal(t, int64(2), list.Total)
	for _, a := range list.List {
		assert.Contains(t, []string{"acc-1", "acc-2"}, a.AccountID)
		assert.Equal(t, "valid", a.TokenStatus)
	}
	// Token 不出现在响应里
	assert.NotContains(t, w.Body.String(), "access-acc-1")
}

func TestAccounts_GetOwnership(t *testing.T) {
	h := newCtlHarness(t)
	h.seedAccount(t, "acc-1", 7, 1001)

	w, _ := h.do(t, http.MethodGet, "/api/accounts/acc-1", 7, middleware.RoleOperator, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = h.do(t, http.MethodGet, "/api/accounts/acc-1", 8, middleware.RoleOperator, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = h.do(t, http.MethodGet, "/api/accounts/missing", 7, middleware.RoleOperator, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = h.do(t, http.MethodGet, "/api/accounts/acc-1", 0, "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAccounts_PauseAndSettings(t *testing.T) {
	h := newCtlHarness(t)
	h.seedAccount(t, "acc-1", 7, 1001)

	w, resp := h.do(t, http.MethodPost, "/api/accounts/acc-1/pause", 7, middleware.RoleOperator, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var acc struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &acc))
	assert.Equal(t, "paused", acc.Status)

	w, _ = h.do(t, http.MethodPut, "/api/accounts/acc-1/settings", 7, middleware.RoleOperator,
		gin.H{"sync_interval_ms": 1000})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, resp = h.do(t, http.MethodPut, "/api/accounts/acc-1/settings", 7, middleware.RoleOperator,
		gin.H{"sync_interval_ms": 600000, "sync_enabled": false})
	require.Equal(t, http.StatusOK, w.Code)
	var settings struct {
		SyncEnabled    bool  `json:"sync_enabled"`
		SyncIntervalMs int64 `json:"sync_interval_ms"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &settings))
	assert.False(t, settings.SyncEnabled)
	assert.Equal(t, int64(600000), settings.SyncIntervalMs)
}

// ==================== 事件 ====================

func TestEvents_ListAndRequeue(t *testing.T) {
	h := newCtlHarness(t)
	h.seedEvent(t, "ev-failed", 7, model.EventStatusFailed)
	h.seedEvent(t, "ev-done", 7, model.EventStatusProcessed)
	h.seedEvent(t, "ev-other", 8, model.EventStatusFailed)

	w, resp := h.do(t, http.MethodGet, "/api/events?status=failed", 7, middleware.RoleOperator, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Total int64 `json:"total"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &list))
	assert.Equal(t, int64(1), list.Total)

	w, _ = h.do(t, http.MethodPost, "/api/events/ev-failed/requeue", 7, middleware.RoleOperator, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = h.do(t, http.MethodPost, "/api/events/ev-done/requeue", 7, middleware.RoleOperator, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w, _ = h.do(t, http.MethodPost, "/api/events/ev-other/requeue", 7, middleware.RoleOperator, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = h.do(t, http.MethodPost, "/api/events/missing/requeue", 7, middleware.RoleOperator, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// ==================== 同步 ====================

func TestSync_CooldownAppliesPerAccount(t *testing.T) {
	h := newCtlHarness(t)
	h.seedAccount(t, "acc-1", 7, 1001)
	require.NoError(t, repository.NewAccountRepository(h.db).Disconnect(context.Background(), "acc-1"))

	// 已解绑的账号无法同步，但同样占用冷却
	w, _ := h.do(t, http.MethodPost, "/api/accounts/acc-1/sync", 7, middleware.RoleOperator, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w, _ = h.do(t, http.MethodPost, "/api/accounts/acc-1/sync", 7, middleware.RoleOperator, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestSync_AllRequiresAdminAndEnabledTask(t *testing.T) {
	h := newCtlHarness(t)

	w, _ := h.do(t, http.MethodPost, "/api/sync/all", 7, middleware.RoleOperator, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, resp := h.do(t, http.MethodPost, "/api/sync/all", 1, middleware.RoleAdmin, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, task.ErrTaskDisabled.Error(), resp.Message)

	w, resp = h.do(t, http.MethodGet, "/api/tasks/status", 1, middleware.RoleAdmin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"sync_all":false,"token_refresh":false,"events":false,"cleanup":false,"health":false}`, string(resp.Data))
}

// ==================== 授权 ====================

func TestAuth_LoginStoresState(t *testing.T) {
	h := newCtlHarness(t)

	w, resp := h.do(t, http.MethodGet, "/api/oauth/login", 7, middleware.RoleOperator, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var data struct {
		AuthURL string `json:"auth_url"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Contains(t, data.AuthURL, "https://auth.example.com/authorization?state=")
	assert.Len(t, h.mr.Keys(), 1)
}

func TestAuth_CallbackErrors(t *testing.T) {
	h := newCtlHarness(t)

	w, resp := h.do(t, http.MethodGet, "/api/oauth/callback?error=access_denied", 0, "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "用户拒绝了授权", resp.Message)

	w, _ = h.do(t, http.MethodGet, "/api/oauth/callback?code=abc", 0, "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, resp = h.do(t, http.MethodGet, "/api/oauth/callback?code=abc&state=unknown", 0, "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, service.ErrInvalidState.Error(), resp.Message)
}

func TestAuth_RefreshToken(t *testing.T) {
	h := newCtlHarness(t)
	h.seedAccount(t, "acc-1", 7, 1001)

	w, _ := h.do(t, http.MethodPost, "/api/accounts/acc-1/refresh-token", 8, middleware.RoleOperator, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = h.do(t, http.MethodPost, "/api/accounts/acc-1/refresh-token", 7, middleware.RoleOperator, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var acc model.Account
	require.NoError(t, h.db.Where("account_id = ?", "acc-1").First(&acc).Error)
	assert.Equal(t, "refreshed", acc.AccessToken)
	assert.Equal(t, "refresh-acc-1", acc.RefreshToken)
}
