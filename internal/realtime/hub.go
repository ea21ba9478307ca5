// Package realtime 把事件处理结果推送给在线的 WebSocket 客户端
// 推送尽力而为：队列满直接丢弃，不持久化也不重放
package realtime

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"meli_sync_v1/internal/metrics"
)

// Notification 推送给前端的领域事件
type Notification struct {
	Type        string          `json:"type"` // event.processed / account.synced / account.expired
	OwnerUserID int64           `json:"-"`
	AccountID   string          `json:"account_id"`
	Topic       string          `json:"topic,omitempty"`
	ResourceID  string          `json:"resource_id,omitempty"`
	EventID     string          `json:"event_id,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

const (
	NotificationEventProcessed = "event.processed"
	NotificationAccountSynced  = "account.synced"
	NotificationAccountExpired = "account.expired"
)

// Hub 订阅者管理，只有 Run 所在的协程会读写 clients
type Hub struct {
	publish    chan Notification
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	clients    map[int64]map[*Client]struct{}
	logger     *zap.SugaredLogger
}

// NewHub bufferSize 为发布队列容量
func NewHub(bufferSize int, logger *zap.SugaredLogger) *Hub {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &Hub{
		publish:    make(chan Notification, bufferSize),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[int64]map[*Client]struct{}),
		logger:     logger.With("component", "realtime"),
	}
}

// Publish 非阻塞发布，队列满返回 false
func (h *Hub) Publish(n Notification) bool {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	select {
	case h.publish <- n:
		return true
	default:
		metrics.RealtimeDroppedTotal.Inc()
		return false
	}
}

// Register 加入订阅，Hub 已停止时返回 false
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// Unregister 退出订阅
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Run 事件循环，ctx 取消时关闭所有客户端
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("实时推送已启动")
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			for _, set := range h.clients {
				for c := range set {
					close(c.send)
				}
			}
			h.clients = make(map[int64]map[*Client]struct{})
			metrics.RealtimeClients.Set(0)
			h.logger.Info("实时推送已停止")
			return

		case c := <-h.register:
			set, ok := h.clients[c.ownerUserID]
			if !ok {
				set = make(map[*Client]struct{})
				h.clients[c.ownerUserID] = set
			}
			set[c] = struct{}{}
			metrics.RealtimeClients.Inc()

		case c := <-h.unregister:
			h.remove(c)

		case n := <-h.publish:
			h.deliver(n)
		}
	}
}

func (h *Hub) deliver(n Notification) {
	set := h.clients[n.OwnerUserID]
	if len(set) == 0 {
		return
	}

	msg, err := json.Marshal(n)
	if err != nil {
		h.logger.Warnw("推送消息序列化失败", "type", n.Type, "error", err)
		return
	}

	for c := range set {
		select {
		case c.send <- msg:
		default:
			// 客户端消费太慢，断开
			metrics.RealtimeDroppedTotal.Inc()
			h.remove(c)
		}
	}
}

func (h *Hub) remove(c *Client) {
	set, ok := h.clients[c.ownerUserID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	close(c.send)
	if len(set) == 0 {
		delete(h.clients, c.ownerUserID)
	}
	metrics.RealtimeClients.Dec()
}
