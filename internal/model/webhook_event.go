package model

import (
	"strings"
	"time"

	"gorm.io/datatypes"
)

// ==================== 事件状态机 ====================

// EventStatus Webhook 事件处理状态
// received -> processing -> processed
// received -> processing -> failed -> processing ... -> failed (重试耗尽后终态)
// failed -> received (人工重新入队)
type EventStatus string

const (
	EventStatusReceived   EventStatus = "received"
	EventStatusProcessing EventStatus = "processing"
	EventStatusProcessed  EventStatus = "processed"
	EventStatusFailed     EventStatus = "failed"
)

// MaxEventRetries 单个事件最多失败次数
const MaxEventRetries = 3

// EventRetention 事件保留时长
const EventRetention = 30 * 24 * time.Hour

// TransitionRule 迁入某一状态的前置条件
type TransitionRule struct {
	From         []EventStatus // 无条件可迁入
	RetryBounded []EventStatus // 需 retry_count < maxRetries
}

// eventTransitions 以目标状态为键的迁移表，仓储层的条件更新也由它生成
var eventTransitions = map[EventStatus]TransitionRule{
	EventStatusProcessing: {From: []EventStatus{EventStatusReceived}, RetryBounded: []EventStatus{EventStatusFailed}},
	EventStatusProcessed:  {From: []EventStatus{EventStatusProcessing}},
	EventStatusFailed:     {From: []EventStatus{EventStatusProcessing}},
	// 人工重新入队
	EventStatusReceived: {From: []EventStatus{EventStatusFailed}},
}

// TransitionInto 迁入 to 的前置条件，未知状态返回空规则
func TransitionInto(to EventStatus) TransitionRule {
	return eventTransitions[to]
}

// CanTransition 判断状态迁移是否合法
// retryCount 为迁移前的失败次数
func (s EventStatus) CanTransition(to EventStatus, retryCount, maxRetries int) bool {
	rule := TransitionInto(to)
	if containsStatus(rule.From, s) {
		return true
	}
	return containsStatus(rule.RetryBounded, s) && retryCount < maxRetries
}

// IsTerminal 是否为终态
func (s EventStatus) IsTerminal(retryCount, maxRetries int) bool {
	return s == EventStatusProcessed || (s == EventStatusFailed && retryCount >= maxRetries)
}

func containsStatus(list []EventStatus, s EventStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ==================== Topic ====================

// Topic 通知分类
type Topic string

const (
	TopicOrders    Topic = "orders"
	TopicItems     Topic = "items"
	TopicShipments Topic = "shipments"
	TopicQuestions Topic = "questions"
	TopicPayments  Topic = "payments"
	TopicDisputes  Topic = "disputes"
	TopicUnknown   Topic = "unknown"
)

// ParseTopic 将 Mercado Livre 原始 topic 归一化
// 例如 orders_v2 / orders_feedback -> orders, claims -> disputes
func ParseTopic(raw string) Topic {
	t := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case strings.HasPrefix(t, "orders"):
		return TopicOrders
	case strings.HasPrefix(t, "items"):
		return TopicItems
	case strings.HasPrefix(t, "shipments"):
		return TopicShipments
	case strings.HasPrefix(t, "questions"):
		return TopicQuestions
	case strings.HasPrefix(t, "payments"):
		return TopicPayments
	case strings.HasPrefix(t, "claims"), strings.HasPrefix(t, "disputes"):
		return TopicDisputes
	default:
		return TopicUnknown
	}
}

// ResourceIDFromPath 取 resource 路径最后一段，如 "/orders/555" -> "555"
func ResourceIDFromPath(resource string) string {
	r := strings.TrimSpace(resource)
	if i := strings.IndexByte(r, '?'); i >= 0 {
		r = r[:i]
	}
	r = strings.TrimRight(r, "/")
	if i := strings.LastIndexByte(r, '/'); i >= 0 {
		return r[i+1:]
	}
	return r
}

// ==================== 事件模型 ====================

// WebhookEvent 入站 Webhook 通知
type WebhookEvent struct {
	BaseModel

	EventID           string `gorm:"size:64;uniqueIndex;not null" json:"event_id"`
	AccountID         string `gorm:"size:64;index" json:"account_id"`
	OwnerUserID       int64  `gorm:"index" json:"owner_user_id"`
	MarketplaceUserID int64  `gorm:"index" json:"marketplace_user_id"`

	// 分类
	Topic         Topic  `gorm:"size:20" json:"topic"`
	RawTopic      string `gorm:"size:50" json:"raw_topic"`
	Resource      string `gorm:"size:255" json:"resource"`
	ResourceID    string `gorm:"size:64" json:"resource_id"`
	ApplicationID int64  `json:"application_id"`
	Attempts      int    `json:"attempts"` // Mercado Livre 侧的投递次数

	// 原始通知，处理成功后替换为拉取到的资源
	Payload datatypes.JSON `json:"payload"`

	// 处理状态
	Status       EventStatus `gorm:"size:20;index;default:'received'" json:"status"`
	RetryCount   int         `gorm:"default:0" json:"retry_count"`
	ProcessError string      `gorm:"type:text" json:"process_error"`
	ProcessedAt  *time.Time  `json:"processed_at"`
	ReceivedAt   time.Time   `json:"received_at"`
}

func (WebhookEvent) TableName() string {
	return "webhook_events"
}
