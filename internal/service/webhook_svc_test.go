package service

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"meli_sync_v1/internal/config"
	"meli_sync_v1/internal/model"
	"meli_sync_v1/internal/repository"
	"meli_sync_v1/pkg/logger"
)

func newWebhookService(t *testing.T, db *gorm.DB, verifier SignatureVerifier, queueSize int) *WebhookService {
	return NewWebhookService(
		repository.NewWebhookEventRepository(db),
		repository.NewAccountRepository(db),
		verifier,
		config.WebhookConfig{QueueSize: queueSize, Workers: 2},
		logger.NewNop(),
	)
}

func inbound(userID int64, topic, resource string) *InboundWebhook {
	return &InboundWebhook{
		Notification: Notification{Resource: resource, UserID: userID, Topic: topic, ApplicationID: 1, Attempts: 1},
		ReceivedAt:   time.Now(),
	}
}

func countEvents(t *testing.T, db *gorm.DB) int64 {
	var n int64
	require.NoError(t, db.Model(&model.WebhookEvent{}).Count(&n).Error)
	return n
}

func TestNotification_Validate(t *testing.T) {
	cases := []struct {
		name string
		n    Notification
		ok   bool
	}{
		{"完整", Notification{Resource: "/orders/1", UserID: 1, Topic: "orders_v2"}, true},
		{"缺 resource", Notification{UserID: 1, Topic: "orders_v2"}, false},
		{"缺 topic", Notification{Resource: "/orders/1", UserID: 1}, false},
		{"缺 user_id", Notification{Resource: "/orders/1", Topic: "orders_v2"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.n.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestWebhookService_BuildEvent(t *testing.T) {
	db := setupServiceDB(t)
	seedAccount(t, db, "acc-1", 7, 1001)
	svc := newWebhookService(t, db, nil, 8)

	ev, err := svc.BuildEvent(context.Background(), inbound(1001, "orders_v2", "/orders/555"))
	require.NoError(t, err)

	assert.NotEmpty(t, ev.EventID)
	assert.Equal(t, model.TopicOrders, ev.Topic)
	assert.Equal(t, "orders_v2", ev.RawTopic)
	assert.Equal(t, "555", ev.ResourceID)
	assert.Equal(t, "acc-1", ev.AccountID)
	assert.Equal(t, int64(7), ev.OwnerUserID)
	assert.Equal(t, model.EventStatusReceived, ev.Status)
	assert.Contains(t, string(ev.Payload), "/orders/555")

	// 未绑定的卖家照样建事件，处理阶段再记失败
	ev, err = svc.BuildEvent(context.Background(), inbound(4242, "items", "/items/MLB1"))
	require.NoError(t, err)
	assert.Empty(t, ev.AccountID)
	assert.Equal(t, int64(4242), ev.MarketplaceUserID)
}

func TestWebhookService_WorkersStoreEvents(t *testing.T) {
	db := setupServiceDB(t)
	seedAccount(t, db, "acc-1", 7, 1001)
	svc := newWebhookService(t, db, nil, 8)

	svc.Start(context.Background())

	assert.True(t, svc.Enqueue(inbound(1001, "orders_v2", "/orders/1")))
	assert.True(t, svc.Enqueue(inbound(1001, "questions", "/questions/2")))

	require.Eventually(t, func() bool { return countEvents(t, db) == 2 }, 2*time.Second, 10*time.Millisecond)

	svc.Stop()
}

func TestWebhookService_DropsDuplicatePending(t *testing.T) {
	db := setupServiceDB(t)
	svc := newWebhookService(t, db, nil, 8)

	svc.store(context.Background(), inbound(1001, "orders_v2", "/orders/1"))
	svc.store(context.Background(), inbound(1001, "orders_v2", "/orders/1"))
	svc.store(context.Background(), inbound(1001, "orders_v2", "/orders/2"))

	assert.Equal(t, int64(2), countEvents(t, db))
}

func TestWebhookService_DrainsQueueOnShutdown(t *testing.T) {
	db := setupServiceDB(t)
	svc := newWebhookService(t, db, nil, 8)

	// 先入队后启动，Stop 返回前应全部入库
	for i := 0; i < 5; i++ {
		require.True(t, svc.Enqueue(inbound(1001, "items", "/items/MLB"+string(rune('A'+i)))))
	}
	svc.Start(context.Background())
	svc.Stop()

	assert.Equal(t, int64(5), countEvents(t, db))
}

// 退出信号到达后，HTTP 层仍可能有在途请求入队，这些通知必须在 Stop 前入库
func TestWebhookService_AcceptsAfterSignalUntilStop(t *testing.T) {
	db := setupServiceDB(t)
	svc := newWebhookService(t, db, nil, 8)

	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx)
	cancel()
	time.Sleep(50 * time.Millisecond)

	assert.True(t, svc.Enqueue(inbound(1001, "orders_v2", "/orders/1")))
	svc.Stop()
	assert.Equal(t, int64(1), countEvents(t, db))

	// 停止后拒绝入队
	assert.False(t, svc.Enqueue(inbound(1001, "orders_v2", "/orders/2")))
	assert.Equal(t, int64(1), countEvents(t, db))

	// 重复 Stop 不 panic
	svc.Stop()
}

func TestWebhookService_QueueFull(t *testing.T) {
	db := setupServiceDB(t)
	svc := newWebhookService(t, db, nil, 1)

	assert.True(t, svc.Enqueue(inbound(1, "orders", "/orders/1")))
	assert.False(t, svc.Enqueue(inbound(1, "orders", "/orders/2")))
}

func TestWebhookService_RejectsBadSignature(t *testing.T) {
	db := setupServiceDB(t)
	secret := []byte("s3cret")
	svc := newWebhookService(t, db, HMACVerifier{Secret: secret}, 8)

	body := []byte(`{"resource":"/orders/1","user_id":1001,"topic":"orders_v2"}`)
	good := inbound(1001, "orders_v2", "/orders/1")
	good.Body = body
	good.RequestID = "req-1"
	good.Signature = "ts=1700000000,v1=" + hex.EncodeToString(SignWebhook(secret, "req-1", "1700000000", body))

	bad := inbound(1001, "orders_v2", "/orders/2")
	bad.Body = body
	bad.RequestID = "req-2"
	bad.Signature = "ts=1700000000,v1=deadbeef"

	svc.store(context.Background(), bad)
	assert.Zero(t, countEvents(t, db))

	svc.store(context.Background(), good)
	assert.Equal(t, int64(1), countEvents(t, db))
}

func TestHMACVerifier(t *testing.T) {
	secret := []byte("k")
	body := []byte(`{}`)
	sig := hex.EncodeToString(SignWebhook(secret, "rid", "1", body))
	v := HMACVerifier{Secret: secret}

	assert.True(t, v.Verify(&InboundWebhook{Body: body, RequestID: "rid", Signature: "ts=1,v1=" + sig}))
	assert.True(t, v.Verify(&InboundWebhook{Body: body, RequestID: "rid", Signature: "v1=" + sig + ", ts=1"}))
	assert.False(t, v.Verify(&InboundWebhook{Body: body, RequestID: "other", Signature: "ts=1,v1=" + sig}))
	assert.False(t, v.Verify(&InboundWebhook{Body: body, RequestID: "rid", Signature: ""}))
	assert.False(t, v.Verify(&InboundWebhook{Body: body, RequestID: "rid", Signature: "ts=1,v1=zz"}))

	assert.IsType(t, NoopVerifier{}, NewSignatureVerifier(config.WebhookConfig{}))
	assert.IsType(t, HMACVerifier{}, NewSignatureVerifier(config.WebhookConfig{VerifySignature: true, Secret: "x"}))
}
