package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"meli_sync_v1/internal/model"
	"meli_sync_v1/internal/realtime"
	"meli_sync_v1/pkg/logger"
	"meli_sync_v1/pkg/meli"
)

// ==================== 测试辅助 ====================

func setupServiceDB(t *testing.T) *gorm.DB {
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

func setupRedis(t *testing.T) (*miniredis.Miniredis, *CacheService) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, NewCacheService(rdb, logger.NewNop())
}

func seedAccount(t *testing.T, db *gorm.DB, id string, owner, mlUser int64) *model.Account {
	acc := &model.Account{
		AccountID:         id,
		OwnerUserID:       owner,
		MarketplaceUserID: mlUser,
		Nickname:          "seller-" + id,
		SiteID:            "MLB",
		AccessToken:       "access-" + id,
		RefreshToken:      "refresh-" + id,
		TokenExpiresAt:    time.Now().Add(6 * time.Hour),
		Status:            model.AccountStatusActive,
		SyncEnabled:       true,
		SyncIntervalMs:    300000,
	}
	if err := db.Create(acc).Error; err != nil {
		t.Fatalf("创建测试账号失败: %v", err)
	}
	return acc
}

func reloadAccount(t *testing.T, db *gorm.DB, id string) *model.Account {
	var acc model.Account
	if err := db.Where("account_id = ?", id).First(&acc).Error; err != nil {
		t.Fatalf("读取账号失败: %v", err)
	}
	return &acc
}

func seedEvent(t *testing.T, db *gorm.DB, eventID, accountID string, owner, mlUser int64, topic model.Topic, resourceID string) *model.WebhookEvent {
	ev := &model.WebhookEvent{
		EventID:           eventID,
		AccountID:         accountID,
		OwnerUserID:       owner,
		MarketplaceUserID: mlUser,
		Topic:             topic,
		RawTopic:          string(topic),
		Resource:          "/" + string(topic) + "/" + resourceID,
		ResourceID:        resourceID,
		Payload:           []byte(`{"resource":"/` + string(topic) + `/` + resourceID + `"}`),
		Status:            model.EventStatusReceived,
		ReceivedAt:        time.Now(),
	}
	if err := db.Create(ev).Error; err != nil {
		t.Fatalf("创建测试事件失败: %v", err)
	}
	return ev
}

func reloadEvent(t *testing.T, db *gorm.DB, eventID string) *model.WebhookEvent {
	var ev model.WebhookEvent
	if err := db.Where("event_id = ?", eventID).First(&ev).Error; err != nil {
		t.Fatalf("读取事件失败: %v", err)
	}
	return &ev
}

// ==================== 假客户端 ====================

// fakeOAuth 可控的 OAuth 接口
type fakeOAuth struct {
	mu           sync.Mutex
	refreshCalls int
	refreshErr   error
	delay        time.Duration
	nextAccess   string
	nextRefresh  string
	exchanged    *meli.Token
	exchangeErr  error
}

func (f *fakeOAuth) AuthorizationURL(state, challenge string) string {
	return "https://auth.example.com/authorization?state=" + state + "&code_challenge=" + challenge
}

func (f *fakeOAuth) ExchangeCode(ctx context.Context, code, verifier string) (*meli.Token, error) {
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return f.exchanged, nil
}

func (f *fakeOAuth) RefreshToken(ctx context.Context, refreshToken string) (*meli.Token, error) {
	f.mu.Lock()
	f.refreshCalls++
	err := f.refreshErr
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	access := f.nextAccess
	if access == "" {
		access = "new-access"
	}
	return &meli.Token{AccessToken: access, RefreshToken: f.nextRefresh, ExpiresIn: 21600}, nil
}

func (f *fakeOAuth) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCalls
}

// fakeMarketplace 可控的数据接口
// validToken 非空时其他 token 一律返回 401
type fakeMarketplace struct {
	mu         sync.Mutex
	validToken string
	user       *meli.User

	items, orders, claims int
	countErrs             map[string]error // products / orders / issues
	countCalls            map[string]int
	countDelay            time.Duration
	inFlight, maxInFlight int32

	resource  json.RawMessage
	getErr    error
	getCalls  int
	lastToken string
}

func newFakeMarketplace() *fakeMarketplace {
	return &fakeMarketplace{
		countErrs:  make(map[string]error),
		countCalls: make(map[string]int),
		resource:   json.RawMessage(`{"id":555,"status":"paid"}`),
	}
}

func (f *fakeMarketplace) authorize(token string) error {
	if f.validToken != "" && token != f.validToken {
		return &meli.APIError{StatusCode: 401, Code: "unauthorized", Message: "invalid access token"}
	}
	return nil
}

func (f *fakeMarketplace) GetUser(ctx context.Context, token string) (*meli.User, error) {
	if f.user == nil {
		return nil, errors.New("no user")
	}
	return f.user, nil
}

func (f *fakeMarketplace) get(token string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	f.lastToken = token
	if err := f.authorize(token); err != nil {
		return nil, err
	}
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.resource, nil
}

func (f *fakeMarketplace) GetOrder(ctx context.Context, token, id string) (json.RawMessage, error) {
	return f.get(token)
}
func (f *fakeMarketplace) GetItem(ctx context.Context, token, id string) (json.RawMessage, error) {
	return f.get(token)
}
func (f *fakeMarketplace) GetShipment(ctx context.Context, token, id string) (json.RawMessage, error) {
	return f.get(token)
}
func (f *fakeMarketplace) GetQuestion(ctx context.Context, token, id string) (json.RawMessage, error) {
	return f.get(token)
}
func (f *fakeMarketplace) GetPayment(ctx context.Context, token, id string) (json.RawMessage, error) {
	return f.get(token)
}
func (f *fakeMarketplace) GetClaim(ctx context.Context, token, id string) (json.RawMessage, error) {
	return f.get(token)
}

func (f *fakeMarketplace) count(field, token string, value int) (int, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		cur := atomic.LoadInt32(&f.maxInFlight)
		if n <= cur || atomic.CompareAndSwapInt32(&f.maxInFlight, cur, n) {
			break
		}
	}
	if f.countDelay > 0 {
		time.Sleep(f.countDelay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.countCalls[field]++
	if err := f.authorize(token); err != nil {
		return 0, err
	}
	if err := f.countErrs[field]; err != nil {
		return 0, err
	}
	return value, nil
}

func (f *fakeMarketplace) CountItems(ctx context.Context, token string, seller int64) (int, error) {
	return f.count(fieldProducts, token, f.items)
}
func (f *fakeMarketplace) CountOrders(ctx context.Context, token string, seller int64, since time.Time) (int, error) {
	return f.count(fieldOrders, token, f.orders)
}
func (f *fakeMarketplace) CountOpenClaims(ctx context.Context, token string, seller int64) (int, error) {
	return f.count(fieldIssues, token, f.claims)
}

func (f *fakeMarketplace) totalCountCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.countCalls {
		total += n
	}
	return total
}

func (f *fakeMarketplace) gets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCalls
}

// recordingPublisher 记录推送
type recordingPublisher struct {
	mu   sync.Mutex
	sent []realtime.Notification
}

func (p *recordingPublisher) Publish(n realtime.Notification) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, n)
	return true
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.sent))
	for _, n := range p.sent {
		out = append(out, n.Type)
	}
	return out
}

func errStatus(code int) error {
	return &meli.APIError{StatusCode: code, Code: "error", Message: "status"}
}
