package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meli_sync_v1/pkg/logger"
)

func startHub(t *testing.T, buffer int) *Hub {
	hub := NewHub(buffer, logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)
	return hub
}

func receive(t *testing.T, c *Client) Notification {
	select {
	case msg, ok := <-c.send:
		require.True(t, ok, "send 通道已关闭")
		var n Notification
		require.NoError(t, json.Unmarshal(msg, &n))
		return n
	case <-time.After(time.Second):
		t.Fatal("等待推送超时")
		return Notification{}
	}
}

func TestHub_DeliversOnlyToOwner(t *testing.T) {
	hub := startHub(t, 16)

	alice := NewClient(hub, nil, 1)
	bob := NewClient(hub, nil, 2)
	require.True(t, hub.Register(alice))
	require.True(t, hub.Register(bob))

	assert.True(t, hub.Publish(Notification{Type: NotificationEventProcessed, OwnerUserID: 1, AccountID: "acc-1", Topic: "orders"}))

	n := receive(t, alice)
	assert.Equal(t, NotificationEventProcessed, n.Type)
	assert.Equal(t, "acc-1", n.AccountID)
	assert.False(t, n.Timestamp.IsZero())

	select {
	case <-bob.send:
		t.Error("其他用户不应收到推送")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHub_PublishNeverBlocks(t *testing.T) {
	// 不启动 Run，队列满后直接丢弃
	hub := NewHub(2, logger.NewNop())

	assert.True(t, hub.Publish(Notification{OwnerUserID: 1}))
	assert.True(t, hub.Publish(Notification{OwnerUserID: 1}))

	done := make(chan bool, 1)
	go func() { done <- hub.Publish(Notification{OwnerUserID: 1}) }()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Publish 不应阻塞")
	}
}

func TestHub_SlowClientIsDropped(t *testing.T) {
	hub := startHub(t, 256)

	slow := NewClient(hub, nil, 1)
	require.True(t, hub.Register(slow))

	for i := 0; i < sendBufferSize+10; i++ {
		hub.Publish(Notification{Type: NotificationEventProcessed, OwnerUserID: 1})
	}

	// 读空缓冲后通道应被关闭
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-slow.send:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("慢客户端应被断开")
		}
	}
}

func TestHub_StopUnblocksRegister(t *testing.T) {
	hub := NewHub(4, logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	assert.False(t, hub.Register(NewClient(hub, nil, 1)))
	hub.Unregister(NewClient(hub, nil, 1))
}

func TestClient_WebSocketDelivery(t *testing.T) {
	hub := startHub(t, 16)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		NewClient(hub, conn, 9).Serve()
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	msgs := make(chan []byte, 1)
	go func() {
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		if _, msg, err := conn.ReadMessage(); err == nil {
			msgs <- msg
		}
	}()

	// 注册是异步的，重复发布直到收到
	var got Notification
	require.Eventually(t, func() bool {
		hub.Publish(Notification{Type: NotificationAccountSynced, OwnerUserID: 9, AccountID: "acc-9"})
		select {
		case msg := <-msgs:
			return json.Unmarshal(msg, &got) == nil
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, NotificationAccountSynced, got.Type)
	assert.Equal(t, "acc-9", got.AccountID)
}
